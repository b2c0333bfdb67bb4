package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// streamOptionKey is excluded from fingerprints so streaming and
// non-streaming calls share cache entries.
const streamOptionKey = "stream"

// Fingerprint computes the stable cache key for a call: the SHA-256 of a
// canonical JSON document over (provider, model, stage, prompt, options).
// Option keys are sorted and the stream flag is dropped, so two requests
// that differ only in streaming or option order produce the same key.
func Fingerprint(provider, model, stage, prompt string, options map[string]any) string {
	var b strings.Builder
	b.WriteString(`{"model":`)
	writeJSONString(&b, model)
	b.WriteString(`,"options":`)
	writeCanonicalOptions(&b, options)
	b.WriteString(`,"prompt":`)
	writeJSONString(&b, prompt)
	b.WriteString(`,"provider":`)
	writeJSONString(&b, provider)
	b.WriteString(`,"stage":`)
	writeJSONString(&b, stage)
	b.WriteString(`}`)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the grouping prefix used by ExistsPrefix/ClearPrefix
// when callers want to address all entries for one (provider, model) pair.
// Prefixed keys are formed as prefix + ":" + fingerprint.
func KeyPrefix(provider, model string) string {
	return provider + ":" + model
}

// PrefixedKey joins a grouping prefix with a fingerprint.
func PrefixedKey(provider, model, fingerprint string) string {
	return KeyPrefix(provider, model) + ":" + fingerprint
}

func writeCanonicalOptions(b *strings.Builder, options map[string]any) {
	keys := make([]string, 0, len(options))
	for k := range options {
		if k == streamOptionKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(b, k)
		b.WriteByte(':')
		writeJSONValue(b, options[k])
	}
	b.WriteByte('}')
}

func writeJSONString(b *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	b.Write(data)
}

// writeJSONValue marshals a single option value. Nested maps are
// canonicalised recursively; everything else uses encoding/json, which is
// deterministic for scalars and slices.
func writeJSONValue(b *strings.Builder, v any) {
	if m, ok := v.(map[string]any); ok {
		writeCanonicalOptions(b, m)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		writeJSONString(b, fmt.Sprintf("%v", v))
		return
	}
	b.Write(data)
}
