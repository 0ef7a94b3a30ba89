package isolate

import (
	"encoding/base64"
	"fmt"
	"strings"

	sourcemap "gopkg.in/sourcemap.v1"
)

const sourceMappingURLPrefix = "//# sourceMappingURL=data:application/json"

// sourceMapFor decodes an inline base64 source map from the end of a
// compiled module's code, if the loader's bundler emitted one (otto's own
// error values carry only the compiled-script line/column, not the
// original TypeScript/JSX position). Modules without an inline map return
// a nil consumer and no error — decoration is best-effort.
func sourceMapFor(code string) (*sourcemap.Consumer, error) {
	idx := strings.LastIndex(code, sourceMappingURLPrefix)
	if idx == -1 {
		return nil, nil
	}
	line := code[idx:]
	if nl := strings.IndexAny(line, "\r\n"); nl != -1 {
		line = line[:nl]
	}
	commaIdx := strings.Index(line, ",")
	if commaIdx == -1 {
		return nil, fmt.Errorf("isolate: malformed inline source map comment")
	}
	payload, err := base64.StdEncoding.DecodeString(line[commaIdx+1:])
	if err != nil {
		return nil, fmt.Errorf("isolate: decode inline source map: %w", err)
	}
	consumer, err := sourcemap.Parse("", payload)
	if err != nil {
		return nil, fmt.Errorf("isolate: parse inline source map: %w", err)
	}
	return consumer, nil
}

// OriginalPosition resolves a (line, column) in the compiled body of the
// module imported as (resolveDir, specifier) back to its original source
// location, when that module carried an inline source map. ok is false if
// the module was never imported, carried no source map, or the position
// has no mapping.
func (iso *Isolate) OriginalPosition(resolveDir, specifier string, genLine, genColumn int) (source string, line, column int, ok bool) {
	cacheKey := resolveDir + "\x00" + specifier
	iso.mu.Lock()
	var consumer *sourcemap.Consumer
	if iso.moduleMaps != nil {
		consumer = iso.moduleMaps[cacheKey]
	}
	iso.mu.Unlock()
	if consumer == nil {
		return "", 0, 0, false
	}
	source, _, line, column, ok = consumer.Source(genLine, genColumn)
	return source, line, column, ok
}
