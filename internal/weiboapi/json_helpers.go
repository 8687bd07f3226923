package weiboapi

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// fetchField returns the raw JSON bytes of doc.path if it is an object
// or array, or nil if absent/scalar. Used to navigate the upstream API's
// inconsistently-shaped envelopes without declaring structs for each.
func fetchField(doc []byte, path string) []byte {
	r := gjson.GetBytes(doc, path)
	if !r.Exists() || !(r.IsObject() || r.IsArray()) {
		return nil
	}
	return []byte(r.Raw)
}

func fetchString(doc []byte, path string) string {
	return gjson.GetBytes(doc, path).String()
}

// eachCard iterates doc's "cards" array, passing each element's raw JSON
// to fn.
func eachCard(doc []byte, fn func(card []byte)) {
	gjson.GetBytes(doc, "cards").ForEach(func(_, card gjson.Result) bool {
		fn([]byte(card.Raw))
		return true
	})
}

// firstCardUser returns the first cards[].user object found in doc, or
// nil.
func firstCardUser(doc []byte) []byte {
	var found []byte
	gjson.GetBytes(doc, "cards").ForEach(func(_, card gjson.Result) bool {
		if u := card.Get("user"); u.Exists() && u.IsObject() {
			found = []byte(u.Raw)
			return false
		}
		return true
	})
	return found
}

// patchField returns doc with path set to value, used to backfill
// fields the upstream search API omits (containerid, topic_title) before
// handing the object to ParseSupertopic.
func patchField(doc []byte, path, value string) []byte {
	out, err := sjson.SetBytes(doc, path, value)
	if err != nil {
		return doc
	}
	return out
}
