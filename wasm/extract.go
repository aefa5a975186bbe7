package wasm

import "github.com/tidwall/gjson"

// Extension authors structure command results inconsistently: some
// return the metric as a top-level field, some nest it under "data",
// some return a {"name": ..., "value": ...} record. Rather than force
// one shape and break existing modules, extraction tries an explicit,
// ordered list of strategies and takes the first hit:
//
//  1. a top-level field named after the metric
//  2. data.<metric>
//  3. data.value, when data.name equals the metric name
//
// A result matching none of them leaves the previously cached value
// untouched.
func extractMetric(raw []byte, metric string) (interface{}, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, false
	}

	if v := root.Get(metric); v.Exists() {
		return v.Value(), true
	}
	if v := root.Get("data." + metric); v.Exists() {
		return v.Value(), true
	}
	if root.Get("data.name").String() == metric {
		if v := root.Get("data.value"); v.Exists() {
			return v.Value(), true
		}
	}
	return nil, false
}
