package task

import "fmt"

// Args is the argument set bound to a task at registration time.
type Args struct {
	Pos []any
	Kw  map[string]any
}

// Positional binds positional arguments only.
func Positional(v ...any) Args { return Args{Pos: v} }

// Len returns the number of positional arguments.
func (a Args) Len() int { return len(a.Pos) }

// At returns the i-th positional argument or nil.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a.Pos) {
		return nil
	}
	return a.Pos[i]
}

// String formats the i-th positional argument; missing arguments yield "".
func (a Args) String(i int) string {
	v := a.At(i)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Lookup returns a keyword argument.
func (a Args) Lookup(key string) (any, bool) {
	v, ok := a.Kw[key]
	return v, ok
}

// clone copies the containers so a work function cannot mutate the bound set.
func (a Args) clone() Args {
	out := Args{}
	if len(a.Pos) > 0 {
		out.Pos = append([]any(nil), a.Pos...)
	}
	if len(a.Kw) > 0 {
		out.Kw = make(map[string]any, len(a.Kw))
		for k, v := range a.Kw {
			out.Kw[k] = v
		}
	}
	return out
}
