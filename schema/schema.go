// Package schema turns a directory of .proto files into message encoders and decoders,
// the collaborator a protoclient caller uses to build and read payloads.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bufbuild/protocompile"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Codec is all a caller needs to build request payloads and read responses.
type Codec interface {
	Encode(messageName string, fields map[string]any) ([]byte, error)
	Decode(messageName string, b []byte) (map[string]any, error)
}

// ErrUnknownMessage is returned for a message name not declared by the schema.
var ErrUnknownMessage = errors.New("schema: unknown message")

const mergedName = "merged.proto"

type Schema struct {
	file     protoreflect.FileDescriptor
	messages map[string]protoreflect.MessageDescriptor
}

// Load merges every .proto file in target, a directory or a single file, and compiles the result.
func Load(target string) (*Schema, error) {
	fi, err := os.Stat(target)
	if err != nil {
		return nil, errors.Wrap(err, "target not exists")
	}

	var files []string
	switch {
	case fi.IsDir():
		entries, err := os.ReadDir(target)
		if err != nil {
			return nil, errors.Wrapf(err, "read dir %s", target)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".proto") {
				continue
			}
			files = append(files, filepath.Join(target, e.Name()))
		}
	case fi.Mode().IsRegular():
		files = []string{target}
	default:
		return nil, errors.Errorf("schema: %s should be a dir or a regular file", target)
	}
	sort.Strings(files)

	contents := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", f)
		}
		contents = append(contents, string(b))
	}

	return Compile(Merge(contents...))
}

// Merge concatenates proto sources into one document. Imports between the merged
// files are dropped, well known imports (google/protobuf/...) are kept once.
// The first syntax and package declarations are kept and later ones removed.
func Merge(contents ...string) string {
	var (
		syntax, pkg string
		imports     []string
		body        strings.Builder
	)
	seen := make(map[string]bool)
	for _, content := range contents {
		for _, line := range strings.Split(content, "\n") {
			trimmed := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(trimmed, "import "), strings.HasPrefix(trimmed, "import\t"):
				if isWellKnownImport(trimmed) && !seen[trimmed] {
					seen[trimmed] = true
					imports = append(imports, trimmed)
				}
				continue
			case strings.HasPrefix(trimmed, "syntax"):
				if syntax == "" {
					syntax = trimmed
				}
				continue
			case strings.HasPrefix(trimmed, "package "):
				if pkg == "" {
					pkg = trimmed
				}
				continue
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}

	var merged strings.Builder
	if syntax != "" {
		merged.WriteString(syntax + "\n")
	}
	if pkg != "" {
		merged.WriteString(pkg + "\n")
	}
	for _, imp := range imports {
		merged.WriteString(imp + "\n")
	}
	merged.WriteString(body.String())
	return merged.String()
}

func isWellKnownImport(stmt string) bool {
	stmt = strings.TrimSpace(strings.TrimPrefix(stmt, "import"))
	stmt = strings.TrimSpace(strings.TrimPrefix(stmt, "public"))
	stmt = strings.TrimSpace(strings.TrimPrefix(stmt, "weak"))
	return strings.HasPrefix(stmt, `"google/protobuf/`)
}

// Compile compiles a single proto document.
func Compile(source string) (*Schema, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(map[string]string{mergedName: source}),
		}),
	}
	files, err := compiler.Compile(context.Background(), mergedName)
	if err != nil {
		return nil, errors.Wrap(err, "compile schema")
	}

	s := &Schema{file: files[0], messages: make(map[string]protoreflect.MessageDescriptor)}
	s.index(files[0].Messages())
	return s, nil
}

func (s *Schema) index(mds protoreflect.MessageDescriptors) {
	for i := 0; i < mds.Len(); i++ {
		md := mds.Get(i)
		if md.IsMapEntry() {
			continue
		}
		s.messages[string(md.FullName())] = md
		if _, ok := s.messages[string(md.Name())]; !ok {
			s.messages[string(md.Name())] = md
		}
		s.index(md.Messages())
	}
}

// Messages lists the fully qualified names of all declared messages.
func (s *Schema) Messages() []string {
	var names []string
	for name, md := range s.messages {
		if name == string(md.FullName()) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Schema) lookup(name string) (protoreflect.MessageDescriptor, error) {
	md, ok := s.messages[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownMessage, name)
	}
	return md, nil
}

// Encode marshals fields, keyed by proto or JSON field name, as messageName.
func (s *Schema) Encode(messageName string, fields map[string]any) ([]byte, error) {
	md, err := s.lookup(messageName)
	if err != nil {
		return nil, err
	}

	js, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", messageName)
	}
	msg := dynamicpb.NewMessage(md)
	if err = protojson.Unmarshal(js, msg); err != nil {
		return nil, errors.Wrapf(err, "encode %s", messageName)
	}
	return proto.Marshal(msg)
}

// Decode unmarshals b as messageName. Numbers are json.Number, 64 bit integers strings.
func (s *Schema) Decode(messageName string, b []byte) (map[string]any, error) {
	md, err := s.lookup(messageName)
	if err != nil {
		return nil, err
	}

	msg := dynamicpb.NewMessage(md)
	if err = proto.Unmarshal(b, msg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", messageName)
	}
	js, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", messageName)
	}

	fields := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	if err = dec.Decode(&fields); err != nil {
		return nil, errors.Wrapf(err, "decode %s", messageName)
	}
	return fields, nil
}
