//go:build ignore

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"

	"github.com/23skdu/longbow-scalpel/internal/numeric"
	"github.com/23skdu/longbow-scalpel/internal/safetensors"
	"github.com/23skdu/longbow-scalpel/internal/shard"
)

func main() {
	path := flag.String("path", "model.safetensors", "Path to safetensors file or shard index")
	flag.Parse()

	m, err := shard.Resolve(context.Background(), *path)
	if err != nil {
		log.Fatalf("Failed to resolve model: %v", err)
	}

	for _, name := range m.Order {
		entry := m.Tensors[name]
		raw, err := safetensors.ReadTensorData(
			m.ShardPath(entry.Shard),
			m.ShardHeaderLengths[entry.Shard],
			entry.Offsets[0], entry.Offsets[1],
		)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", name, err)
		}
		vals, err := numeric.Decode(entry.Dtype, raw)
		if err != nil {
			log.Fatalf("Failed to decode %s: %v", name, err)
		}

		var sum, sumSq, maxAbs float64
		for _, v := range vals {
			sum += v
			sumSq += v * v
			if a := math.Abs(v); a > maxAbs {
				maxAbs = a
			}
		}
		n := float64(len(vals))
		mean := 0.0
		std := 0.0
		if n > 0 {
			mean = sum / n
			std = math.Sqrt(sumSq/n - mean*mean)
		}
		fmt.Printf("%-60s %-6s %v mean=%.6f std=%.6f max_abs=%.6f\n",
			name, entry.Dtype, entry.Shape, mean, std, maxAbs)
	}
}
