package heal

import (
	"encoding/json"
	"regexp"
	"sync"
)

type compiledRegex struct {
	re  *regexp.Regexp
	err error
}

// regexCache holds compiled error patterns. Bad patterns are cached too so a
// broken record doesn't recompile on every lookup.
var regexCache sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		c := v.(compiledRegex)
		return c.re, c.err
	}
	re, err := regexp.Compile(pattern)
	regexCache.Store(pattern, compiledRegex{re: re, err: err})
	return re, err
}

// decodeAs reinterprets a store document as a typed value through a JSON
// round-trip. JSON rather than YAML because store reads normalize timestamps
// to RFC3339 strings, which only time.Time's JSON codec accepts both ways.
func decodeAs(doc, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
