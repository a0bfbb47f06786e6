package reference

import (
	"errors"
	"strings"
	"unicode"
)

const (
	defaultDomain = "registry-1.docker.io"
	defaultRepo   = "library"
	defaultTag    = "latest"
	localhost     = "localhost"
)

func validate(name string) error {
	if name == "" {
		return errors.New("empty image name is not allowed")
	}

	for _, c := range name {
		if unicode.IsUpper(c) {
			return errors.New("uppercase is not allowed in image name")
		}

		if unicode.IsSpace(c) {
			return errors.New("space is not allowed in image name")
		}
	}

	return nil
}

func normalizeDomainRepoTag(name string) (rawName, domain, repoTag string) {
	rawName = name
	ind := strings.IndexRune(name, '/')
	if ind >= 0 && (strings.ContainsAny(name[0:ind], ".:") || name[0:ind] == localhost) {
		domain = name[0:ind]
		repoTag = name[ind+1:]
	} else {
		domain = defaultDomain
		repoTag = name
	}
	if domain == defaultDomain && !strings.ContainsRune(repoTag, '/') {
		repoTag = defaultRepo + "/" + repoTag
	}
	// rawName keeps the name as supplied, only the tag is defaulted
	if !strings.ContainsRune(repoTag, ':') {
		repoTag = repoTag + ":" + defaultTag
		rawName = rawName + ":" + defaultTag
	}
	return
}

// input: urlImageName could be like "gcr.io/distroless/java:11" or "app:v1.1"
// output: like "distroless/java:11"
func repoAndTag(repoTag string) (string, string) {
	ind := strings.LastIndex(repoTag, ":")
	return repoTag[:ind], repoTag[ind+1:]
}
