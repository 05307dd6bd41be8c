package checks

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// dataServiceImages are stateful images that need volumes and should not
// be published on all interfaces in local compose setups.
var dataServiceImages = map[string]bool{
	"postgres":      true,
	"postgresql":    true,
	"mysql":         true,
	"mariadb":       true,
	"redis":         true,
	"valkey":        true,
	"mongo":         true,
	"mongodb":       true,
	"elasticsearch": true,
	"clickhouse":    true,
	"rabbitmq":      true,
	"kafka":         true,
	"memcached":     true,
	"minio":         true,
}

// unpinnedImage reports whether an image reference floats: no tag at all,
// or the latest tag, without a digest. References containing build
// variables are not judged.
func unpinnedImage(image string) bool {
	if image == "" || strings.Contains(image, "$") {
		return false
	}
	ref, err := name.ParseReference(image, name.WithDefaultRegistry(""))
	if err != nil {
		return false
	}
	if _, ok := ref.(name.Digest); ok {
		return false
	}
	if tag, ok := ref.(name.Tag); ok {
		return tag.TagStr() == "latest"
	}
	return false
}

// imageBase returns the last path element of an image repository,
// lowercased and stripped of tag and digest:
// "bitnami/postgresql:16" -> "postgresql".
func imageBase(image string) string {
	s := image
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

// isDataServiceImage reports whether an image is a well-known stateful
// data service (database, cache, broker).
func isDataServiceImage(image string) bool {
	return dataServiceImages[imageBase(image)]
}
