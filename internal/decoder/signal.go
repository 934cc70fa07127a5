package decoder

import (
	"fmt"
	"sort"
)

// Aspect 信号机显示：点亮/熄灭的灯头
type Aspect struct {
	Name  string   `json:"name"`
	On    []string `json:"on"`
	Off   []string `json:"off"`
	Flash bool     `json:"flash,omitempty"`
}

// Signal 信号机，只存在于 broker，灯头引用 Output 解码器名称
type Signal struct {
	Heads   map[string]string
	Aspects []Aspect
}

func (*Signal) isVariant() {}

func newSignal(r Record) (Variant, error) {
	heads, err := r.Object("heads")
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, r.fieldErr("heads", "at least one head is required")
	}

	s := &Signal{Heads: make(map[string]string, len(heads))}
	for head := range heads {
		output, err := heads.String(head, "")
		if err != nil {
			return nil, err
		}
		if output == "" {
			return nil, heads.fieldErr(head, "output name is empty")
		}
		s.Heads[head] = output
	}

	aspects, err := r.Array("aspects")
	if err != nil {
		return nil, err
	}
	if len(aspects) == 0 {
		return nil, r.fieldErr("aspects", "at least one aspect is required")
	}

	seen := make(map[string]bool, len(aspects))
	for i, raw := range aspects {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, r.fieldErr("aspects", "entry %d is not an object", i)
		}
		a, err := s.parseAspect(Record(m))
		if err != nil {
			return nil, fmt.Errorf("aspect %d: %w", i, err)
		}
		if seen[a.Name] {
			return nil, r.fieldErr("aspects", "duplicate aspect %q", a.Name)
		}
		seen[a.Name] = true
		s.Aspects = append(s.Aspects, a)
	}

	return s, nil
}

func (s *Signal) parseAspect(r Record) (Aspect, error) {
	var a Aspect
	var err error

	if a.Name, err = r.String("name", ""); err != nil {
		return a, err
	}
	if a.Name == "" {
		return a, r.fieldErr("name", "missing")
	}
	if a.Flash, err = r.Bool("flash", false); err != nil {
		return a, err
	}
	if a.On, err = s.headList(r, "on"); err != nil {
		return a, err
	}
	if a.Off, err = s.headList(r, "off"); err != nil {
		return a, err
	}
	return a, nil
}

func (s *Signal) headList(r Record, key string) ([]string, error) {
	raw, err := r.Array(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		head, ok := v.(string)
		if !ok {
			return nil, r.fieldErr(key, "expected head name, got %T", v)
		}
		if _, ok := s.Heads[head]; !ok {
			return nil, r.fieldErr(key, "unknown head %q", head)
		}
		out = append(out, head)
	}
	return out, nil
}

// Outputs returns the referenced output decoder names in stable order
func (s *Signal) Outputs() []string {
	out := make([]string, 0, len(s.Heads))
	for _, name := range s.Heads {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Aspect looks up an aspect by name
func (s *Signal) Aspect(name string) (Aspect, bool) {
	for _, a := range s.Aspects {
		if a.Name == name {
			return a, true
		}
	}
	return Aspect{}, false
}

func (s *Signal) serialize(out map[string]interface{}) {
	heads := make(map[string]string, len(s.Heads))
	for k, v := range s.Heads {
		heads[k] = v
	}
	out["heads"] = heads
	out["aspects"] = s.Aspects
}
