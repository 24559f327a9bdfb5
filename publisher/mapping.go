package publisher

import "pgstats/collector"

// IndexBody returns the create-index request body for a counter set: shard
// settings plus a strict flat mapping. Every counter and derived rate is a
// float, the key is text with a keyword sub-field and the timestamp is
// epoch seconds.
func IndexBody(set collector.CounterSet, shards, replicas int, docType string) map[string]any {
	properties := map[string]any{
		collector.TimestampKey: map[string]any{
			"type":   "date",
			"format": "epoch_second",
		},
		set.KeyColumn: map[string]any{
			"type": "text",
			"fields": map[string]any{
				"keyword": map[string]any{
					"type":         "keyword",
					"ignore_above": set.KeyIgnoreAbove,
				},
			},
		},
	}
	for _, field := range set.Fields() {
		properties[field] = map[string]any{"type": "float"}
	}

	mapping := map[string]any{
		"dynamic":    "strict",
		"properties": properties,
	}
	var mappings any = mapping
	if docType != "" {
		mappings = map[string]any{docType: mapping}
	}

	return map[string]any{
		"settings": map[string]any{
			"number_of_shards":   shards,
			"number_of_replicas": replicas,
		},
		"mappings": mappings,
	}
}
