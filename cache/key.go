package cache

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash"
)

// Namespace partitions the shared keyspace by API area so entries can be
// invalidated in one scope without touching the others.
type Namespace int

const (
	NamespaceRoot Namespace = iota
	NamespaceFiler
	NamespaceExternalAPI
	NamespaceGenomics
	NamespaceADVP
	NamespaceView
	NamespaceQueryCache
)

var namespaceNames = []string{"root", "filer", "external_api", "genomics", "advp", "view", "query_cache"}

// Single-byte pebble key prefixes, one per namespace.
var namespacePrefixes = []byte{'R', 'F', 'X', 'G', 'A', 'V', 'Q'}

func (n Namespace) String() string {
	if int(n) < len(namespaceNames) {
		return namespaceNames[n]
	}
	return "unknown"
}

func (n Namespace) prefix() byte {
	if int(n) < len(namespacePrefixes) {
		return namespacePrefixes[n]
	}
	return namespacePrefixes[NamespaceRoot]
}

// Namespaces lists all known namespaces.
func Namespaces() []Namespace {
	all := make([]Namespace, len(namespaceNames))
	for i := range all {
		all[i] = Namespace(i)
	}
	return all
}

// NamespaceFor resolves the first path segment to a namespace. Unknown or
// malformed paths fall back to the root namespace rather than erroring.
func NamespaceFor(path string) Namespace {
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		for i, name := range namespaceNames {
			if segment == name {
				return Namespace(i)
			}
		}
	}
	return NamespaceRoot
}

// Qualifier is appended to a digest to distinguish entries derived from the
// same request key.
type Qualifier string

const (
	QualifierRaw        Qualifier = "raw"
	QualifierQuery      Qualifier = "query"
	QualifierView       Qualifier = "view"
	QualifierCursor     Qualifier = "pagination-cursor"
	QualifierResultSize Qualifier = "pagination-result-size"
)

func (q Qualifier) String() string {
	return "_" + string(q)
}

// ParamPage is stripped to produce the no-page key; ParamFormat and
// ParamView never participate in key derivation.
const (
	ParamPage   = "page"
	ParamFormat = "format"
	ParamView   = "view"
)

// DefaultExclude is applied when deriving a key from a request.
var DefaultExclude = []string{ParamFormat, ParamView}

// sortParams renders params as "k=v&k=v..." ordered by key, with a literal
// "null" for nil values, so parameter order on the wire never changes the key.
func sortParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := params[k]
		if v == nil {
			parts = append(parts, k+"=null")
		} else {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, "&")
}

// DeriveKey builds the internal cache key for an endpoint and its query
// parameters. Keys in exclude are dropped. ':' is reserved as a store-level
// delimiter and replaced with '_'.
func DeriveKey(endpoint string, params map[string]any, exclude ...string) string {
	if len(exclude) > 0 {
		filtered := make(map[string]any, len(params))
		for k, v := range params {
			filtered[k] = v
		}
		for _, x := range exclude {
			delete(filtered, x)
		}
		params = filtered
	}
	key := endpoint + "?" + sortParams(params)
	return strings.ReplaceAll(key, ":", "_")
}

// StripParam removes one query parameter and its value from an internal key,
// yielding the key shared by every page of one logical query when applied to
// the page parameter.
func StripParam(internal, name string) string {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `=[^&]*&?\s*`)
	return strings.TrimRight(re.ReplaceAllString(internal, ""), "&")
}

// Digest hashes an internal key down to the fixed-width store key. Not
// security-critical; it only has to be deterministic and collision-resistant
// enough for cache correctness.
func Digest(internal string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64([]byte(internal)))
}

// RequestKey ties an internal key to its namespace.
type RequestKey struct {
	Internal  string
	Namespace Namespace
}

// NewRequestKey derives the request's cache key from its endpoint and
// parameters, excluding presentation-only parameters.
func NewRequestKey(endpoint string, params map[string]any) RequestKey {
	return RequestKey{
		Internal:  DeriveKey(endpoint, params, DefaultExclude...),
		Namespace: NamespaceFor(endpoint),
	}
}

// NoPage returns the key with the page parameter stripped.
func (k RequestKey) NoPage() RequestKey {
	return RequestKey{Internal: StripParam(k.Internal, ParamPage), Namespace: k.Namespace}
}

// Digest returns the store key for the internal key.
func (k RequestKey) Digest() string {
	return Digest(k.Internal)
}

// QualifiedDigest returns the store key with a qualifier suffix.
func (k RequestKey) QualifiedDigest(q Qualifier) string {
	return k.Digest() + q.String()
}
