//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/23skdu/longbow-scalpel/internal/safetensors"
)

// TensorDump holds the summary of one header entry for verification
type TensorDump struct {
	Name    string  `json:"name"`
	Dtype   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Start   int64   `json:"start"`
	End     int64   `json:"end"`
	NumElem int64   `json:"num_elements"`
}

func main() {
	path := flag.String("path", "model.safetensors", "Path to safetensors file")
	flag.Parse()

	header, err := safetensors.ParseHeader(*path)
	if err != nil {
		log.Fatalf("Failed to parse header: %v", err)
	}

	dumps := make([]TensorDump, 0, len(header.Tensors))
	for _, name := range header.Order {
		rec := header.Tensors[name]
		dumps = append(dumps, TensorDump{
			Name:    name,
			Dtype:   string(rec.Dtype),
			Shape:   rec.Shape,
			Start:   rec.Offsets[0],
			End:     rec.Offsets[1],
			NumElem: rec.NumElements(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"header_bytes": header.HeaderLen,
		"metadata":     header.Metadata,
		"tensors":      dumps,
	}); err != nil {
		log.Fatalf("Failed to encode dump: %v", err)
	}
}
