package intercept

import (
	"net/http"
	"path"
	"strings"

	"github.com/mschirtzinger/offcache/internal/cache"
)

// Class is the classification of an intercepted request.
type Class int

const (
	// ClassStatic is a static asset by file extension.
	ClassStatic Class = iota
	// ClassImage is an image by file extension.
	ClassImage
	// ClassNetworkFirst matched the configured network-first allow-list.
	ClassNetworkFirst
	// ClassDefault is everything else.
	ClassDefault
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassImage:
		return "image"
	case ClassNetworkFirst:
		return "network-first"
	case ClassDefault:
		return "default"
	default:
		return "unknown"
	}
}

// Strategy names the fetch algorithm for a route.
type Strategy string

const (
	CacheFirst   Strategy = "cache-first"
	NetworkFirst Strategy = "network-first"
)

// Route is the outcome of classification: exactly one strategy and one
// partition, plus the partition bound (0 = unbounded).
type Route struct {
	Class     Class
	Strategy  Strategy
	Partition cache.Kind
	MaxSize   int
}

var staticExtensions = map[string]bool{
	".js": true, ".mjs": true, ".css": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".ico": true, ".webmanifest": true,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".avif": true, ".bmp": true,
}

// Classifier maps requests to routes.
type Classifier struct {
	networkFirst []string
	imageMax     int
	dynamicMax   int
}

// NewClassifier creates a classifier. networkFirst entries are matched
// against host+path: as a glob when they contain *, ? or [, otherwise as a
// substring.
func NewClassifier(networkFirst []string, imageMax, dynamicMax int) *Classifier {
	return &Classifier{
		networkFirst: append([]string(nil), networkFirst...),
		imageMax:     imageMax,
		dynamicMax:   dynamicMax,
	}
}

// Classify returns the route for req. ok is false for requests that must
// pass through untouched: anything but GET, or a non-HTTP(S) scheme.
func (c *Classifier) Classify(req *http.Request) (Route, bool) {
	if req.Method != http.MethodGet {
		return Route{}, false
	}
	if scheme := strings.ToLower(req.URL.Scheme); scheme != "http" && scheme != "https" {
		return Route{}, false
	}

	ext := strings.ToLower(path.Ext(req.URL.Path))
	switch {
	case staticExtensions[ext]:
		return Route{Class: ClassStatic, Strategy: CacheFirst, Partition: cache.KindStatic}, true
	case imageExtensions[ext]:
		return Route{Class: ClassImage, Strategy: CacheFirst, Partition: cache.KindImage, MaxSize: c.imageMax}, true
	case c.matchesNetworkFirst(req.URL.Host + req.URL.Path):
		return Route{Class: ClassNetworkFirst, Strategy: NetworkFirst, Partition: cache.KindDynamic, MaxSize: c.dynamicMax}, true
	default:
		return Route{Class: ClassDefault, Strategy: NetworkFirst, Partition: cache.KindDynamic, MaxSize: c.dynamicMax}, true
	}
}

func (c *Classifier) matchesNetworkFirst(target string) bool {
	for _, pattern := range c.networkFirst {
		if pattern == "" {
			continue
		}
		if strings.ContainsAny(pattern, "*?[") {
			if ok, err := path.Match(pattern, target); err == nil && ok {
				return true
			}
			continue
		}
		if strings.Contains(target, pattern) {
			return true
		}
	}
	return false
}
