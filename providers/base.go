package providers

// base provides the fields and config masking shared by provider
// implementations. Embed it and set id, typ, config, and sensitive at
// construction time.
type base struct {
	id        string
	typ       string
	config    map[string]string
	sensitive map[string]bool
}

func newBase(id, typ string, config map[string]string, sensitive map[string]bool) base {
	return base{id: id, typ: typ, config: config, sensitive: sensitive}
}

// ID returns the provider row id.
func (b *base) ID() string { return b.id }

// Type returns the provider type tag.
func (b *base) Type() string { return b.typ }

// Config returns the instance configuration with sensitive values
// masked.
func (b *base) Config() map[string]string {
	out := make(map[string]string, len(b.config))
	for k, v := range b.config {
		if b.sensitive[k] && v != "" {
			out[k] = maskValue(v)
		} else {
			out[k] = v
		}
	}
	return out
}

func (b *base) configValue(key string) string { return b.config[key] }

// maskValue keeps the last four characters of a secret for
// identification.
func maskValue(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
