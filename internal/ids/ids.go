// Package ids defines the typed identifiers used throughout forgebuild:
// builds, artifacts, and logged objects each get their own prefixed id so
// a stray string from one domain can never be mistaken for another at a
// call site. Only object ids are content-addressed (NewObject); build and
// artifact ids are random and are not derived from any content.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind identifies which id namespace a value belongs to.
type Kind string

const (
	KindBuild    Kind = "bld"
	KindArtifact Kind = "art"
	KindObject   Kind = "obj"
)

// ID is an opaque, prefixed identifier. The zero value is invalid.
type ID struct {
	kind  Kind
	value string
}

// NewBuild returns a fresh, randomly generated build id.
func NewBuild() ID { return ID{kind: KindBuild, value: randomValue()} }

// NewArtifact returns a fresh, randomly generated artifact id.
func NewArtifact() ID { return ID{kind: KindArtifact, value: randomValue()} }

// NewObject derives a content-addressed object id from bytes. Identical
// content always yields the identical id.
func NewObject(content []byte) ID {
	sum := sha256.Sum256(content)
	return ID{kind: KindObject, value: hex.EncodeToString(sum[:])}
}

func randomValue() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Kind reports which namespace the id belongs to.
func (id ID) Kind() Kind { return id.kind }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id.kind == "" && id.value == "" }

// String renders the id in its canonical "<kind>_<value>" form.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.kind) + "_" + id.value
}

// MarshalText implements encoding.TextMarshaler so ids serialize as plain
// strings in JSON payloads.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse reverses String for any kind and validates the prefix.
func Parse(s string) (ID, error) {
	prefix, value, ok := strings.Cut(s, "_")
	if !ok || value == "" {
		return ID{}, errors.Errorf("ids: malformed id %q", s)
	}
	kind := Kind(prefix)
	switch kind {
	case KindBuild, KindArtifact, KindObject:
	default:
		return ID{}, errors.Errorf("ids: unknown id kind %q", prefix)
	}
	return ID{kind: kind, value: value}, nil
}

// ParseBuild parses s and requires it to be a build id.
func ParseBuild(s string) (ID, error) { return parseKind(s, KindBuild) }

// ParseArtifact parses s and requires it to be an artifact id.
func ParseArtifact(s string) (ID, error) { return parseKind(s, KindArtifact) }

// ParseObject parses s and requires it to be an object id.
func ParseObject(s string) (ID, error) { return parseKind(s, KindObject) }

func parseKind(s string, want Kind) (ID, error) {
	id, err := Parse(s)
	if err != nil {
		return ID{}, err
	}
	if id.kind != want {
		return ID{}, errors.Errorf("ids: %q is not a %s id", s, want)
	}
	return id, nil
}
