// Package document defines the documents stored in a collection
// and how keys are projected out of them.
package document

import (
	"fmt"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/jrife/strata/storage/keystring"
)

// IDField is the name of the identity field
const IDField = "_id"

// Document is a decoded JSON object
type Document map[string]interface{}

// Parse decodes a JSON object
func Parse(data []byte) (Document, error) {
	var doc Document

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse document: %w", err)
	}

	if doc == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}

	return doc, nil
}

// Marshal encodes a document. Output is deterministic so equal
// documents always produce equal bytes.
func Marshal(doc Document) ([]byte, error) {
	return json.Marshal(doc, json.Deterministic(true))
}

// Lookup resolves a dotted path like "a.b.c" inside the document.
// It returns false if any component of the path is missing or is
// not an object.
func (doc Document) Lookup(path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(doc)

	for _, part := range strings.Split(path, ".") {
		object, ok := current.(map[string]interface{})

		if !ok {
			if d, isDoc := current.(Document); isDoc {
				object = d
			} else {
				return nil, false
			}
		}

		if current, ok = object[part]; !ok {
			return nil, false
		}
	}

	return current, true
}

// Project builds the key of doc for the pattern. Missing fields
// are projected as null.
func Project(doc Document, pattern keystring.Pattern) (keystring.Tuple, error) {
	key := make(keystring.Tuple, len(pattern))

	for i, field := range pattern {
		raw, ok := doc.Lookup(field.Path)

		if !ok {
			key[i] = keystring.Null()

			continue
		}

		value, err := keystring.FromInterface(raw)

		if err != nil {
			return nil, fmt.Errorf("could not project field %s: %w", field.Path, err)
		}

		key[i] = value
	}

	return key, nil
}

// Clone makes a shallow copy of the document
func (doc Document) Clone() Document {
	clone := make(Document, len(doc))

	for k, v := range doc {
		clone[k] = v
	}

	return clone
}
