package expr

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// parseCacheSize bounds each parse cache. Skills reuse a small set of
// template strings heavily, so hits dominate after warmup.
const parseCacheSize = 1000

type cacheEntry[V any] struct {
	val V
	err error
}

func mustCache[V any]() *lru.Cache[string, cacheEntry[V]] {
	c, err := lru.New[string, cacheEntry[V]](parseCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}

var (
	exprCache     = mustCache[*Expr]()
	templateCache = mustCache[*Template]()
	programCache  = mustCache[*Program]()
)

// CompileCached is Compile behind a process-wide LRU. Parse failures are
// cached too so repeated bad rules stay cheap.
func CompileCached(src string) (*Expr, error) {
	if e, ok := exprCache.Get(src); ok {
		return e.val, e.err
	}
	ex, err := Compile(src)
	exprCache.Add(src, cacheEntry[*Expr]{val: ex, err: err})
	return ex, err
}

// ParseTemplateCached is ParseTemplate behind a process-wide LRU.
func ParseTemplateCached(src string) (*Template, error) {
	if e, ok := templateCache.Get(src); ok {
		return e.val, e.err
	}
	t, err := ParseTemplate(src)
	templateCache.Add(src, cacheEntry[*Template]{val: t, err: err})
	return t, err
}

// CompileProgramCached is CompileProgram behind a process-wide LRU.
func CompileProgramCached(src string) (*Program, error) {
	if e, ok := programCache.Get(src); ok {
		return e.val, e.err
	}
	p, err := CompileProgram(src)
	programCache.Add(src, cacheEntry[*Program]{val: p, err: err})
	return p, err
}
