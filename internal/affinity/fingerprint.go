// Package affinity routes requests that share a prompt-cache prefix to the
// credential that most recently served that prefix, so upstream prompt caches
// stay warm across the key pool.
package affinity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// partHashLen is the length of a single part hash within a fingerprint.
// Fingerprints are concatenations of part hashes, so prefix relationships
// between fingerprints are substring prefixes in partHashLen units.
const partHashLen = 8

// Fingerprints computes one fingerprint per cache_control breakpoint in the
// request body, in ascending prefix order. The last element covers every part
// up to and including the final breakpoint; content appended after it does
// not change any returned fingerprint. Returns nil when the body carries no
// cache_control markers.
func Fingerprints(body []byte) []string {
	root := gjson.ParseBytes(body)

	var hashes []string
	var breakpoints []int

	addPart := func(part gjson.Result) {
		hashes = append(hashes, hashPart(part))
		if part.Get("cache_control").Exists() {
			breakpoints = append(breakpoints, len(hashes)-1)
		}
	}

	// Canonical walk order: tools, system block(s), message content blocks.
	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		addPart(tool)
		return true
	})

	system := root.Get("system")
	if system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			addPart(block)
			return true
		})
	} else if system.Exists() {
		addPart(system)
	}

	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				addPart(block)
				return true
			})
		} else {
			addPart(msg)
		}
		return true
	})

	if len(breakpoints) == 0 {
		return nil
	}

	// One fingerprint per breakpoint, stored eagerly so a later request that
	// kept only an earlier breakpoint still matches (prefix moves backward).
	out := make([]string, len(breakpoints))
	var sb strings.Builder
	next := 0
	for i, h := range hashes {
		sb.WriteString(h)
		if next < len(breakpoints) && breakpoints[next] == i {
			out[next] = sb.String()
			next++
		}
	}
	return out
}

// DeclaredTTL returns the longest cache TTL declared by any cache_control
// marker in the body ("5m" or "1h"); empty string when none declares one.
func DeclaredTTL(body []byte) string {
	root := gjson.ParseBytes(body)
	ttl := ""
	check := func(part gjson.Result) bool {
		if part.Get("cache_control.ttl").String() == "1h" {
			ttl = "1h"
			return false
		}
		return true
	}
	root.Get("tools").ForEach(func(_, t gjson.Result) bool { return check(t) })
	root.Get("system").ForEach(func(_, b gjson.Result) bool { return check(b) })
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		c := m.Get("content")
		if c.IsArray() {
			ok := true
			c.ForEach(func(_, b gjson.Result) bool {
				ok = check(b)
				return ok
			})
			return ok
		}
		return check(m)
	})
	return ttl
}

// hashPart returns the first 8 hex chars of SHA-256 over the canonical
// serialization of a request part. cache_control and tool_use_id are excluded
// so a moved breakpoint or a regenerated tool-call ID does not change the hash.
func hashPart(part gjson.Result) string {
	var sb strings.Builder
	canonicalize(&sb, part)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:partHashLen]
}

// excludedKeys are stripped from parts before hashing.
var excludedKeys = map[string]struct{}{
	"cache_control": {},
	"tool_use_id":   {},
	"id":            {}, // tool_use block IDs are randomly assigned per request
}

// canonicalize writes a deterministic serialization of v: object keys sorted,
// excluded keys dropped, arrays in order, scalars as raw JSON.
func canonicalize(sb *strings.Builder, v gjson.Result) {
	switch {
	case v.IsObject():
		type kv struct {
			k string
			v gjson.Result
		}
		var fields []kv
		v.ForEach(func(key, val gjson.Result) bool {
			if _, skip := excludedKeys[key.String()]; !skip {
				fields = append(fields, kv{key.String(), val})
			}
			return true
		})
		sort.Slice(fields, func(i, j int) bool { return fields[i].k < fields[j].k })
		sb.WriteByte('{')
		for i, f := range fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(f.k)
			sb.WriteByte(':')
			canonicalize(sb, f.v)
		}
		sb.WriteByte('}')
	case v.IsArray():
		sb.WriteByte('[')
		first := true
		v.ForEach(func(_, el gjson.Result) bool {
			if !first {
				sb.WriteByte(',')
			}
			first = false
			canonicalize(sb, el)
			return true
		})
		sb.WriteByte(']')
	default:
		sb.WriteString(v.Raw)
	}
}
