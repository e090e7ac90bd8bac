package types

import (
	"encoding/json"
	"sort"

	"github.com/juju/errors"
	"github.com/spf13/cast"
)

type Data map[string]any

func (d *Data) Get(key string) (any, bool) {
	v, exists := (*d)[key]
	return v, exists
}

func (d *Data) GetString(key string) (string, bool) {
	v, exists := d.Get(key)
	return cast.ToString(v), exists
}

func (d *Data) GetInt(key string) (int, bool) {
	v, exists := d.Get(key)
	return cast.ToInt(v), exists
}

func (d *Data) GetBool(key string) (bool, bool) {
	v, exists := d.Get(key)
	return cast.ToBool(v), exists
}

func (d *Data) GetFloat64(key string) (float64, bool) {
	v, exists := d.Get(key)
	return cast.ToFloat64(v), exists
}

func (d *Data) GetStringSlice(key string) ([]string, bool) {
	v, exists := d.Get(key)
	return cast.ToStringSlice(v), exists
}

func (d *Data) GetStringMap(key string) (map[string]string, bool) {
	v, exists := d.Get(key)
	return cast.ToStringMapString(v), exists
}

func (d *Data) GetStruct(key string, s any) error {
	v, exists := d.Get(key)
	if !exists {
		return errors.NotFound
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.New("marshal failed"))
	}
	return json.Unmarshal(b, s)
}

func (d *Data) Set(key string, value any) {
	(*d)[key] = value
}

/**
 * Keys returns the map keys sorted, so iteration over a Data is
 * deterministic. The emitter relies on this for stable manifests.
 */
func (d *Data) Keys() []string {
	keys := make([]string, 0, len(*d))
	for key := range *d {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (d *Data) Clone() Data {
	clone := make(Data, len(*d))
	for key, value := range *d {
		clone[key] = value
	}
	return clone
}
