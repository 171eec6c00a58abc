package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/SNU-RTOS/edgegen/internal/graphstore"
	"github.com/SNU-RTOS/edgegen/pkg/cgf"
)

func main() {
	var (
		showRunners = flag.Bool("runners", true, "show runner signatures and slots")
		showTensors = flag.Int("tensors", 20, "number of tensors to list (0 to skip, -1 for all)")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: cgfinspect [--runners] [--tensors N] <path.cgf>")
		os.Exit(2)
	}

	path := flag.Arg(0)
	f, err := graphstore.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer f.Close()

	mi := f.Info()
	fmt.Printf("File: %s\n", path)
	fmt.Printf("CGF | runners=%d\n", len(f.Runners()))
	fmt.Println()
	fmt.Println("Model params:")
	fmt.Printf("  arch:       %s\n", mi.Architecture)
	fmt.Printf("  blocks:     %d\n", mi.BlockCount)
	fmt.Printf("  embd:       %d\n", mi.EmbeddingLength)
	fmt.Printf("  ffn:        %d\n", mi.FFNLength)
	fmt.Printf("  heads:      %d\n", mi.HeadCount)
	fmt.Printf("  kv_heads:   %d\n", mi.HeadCountKV)
	fmt.Printf("  head_dim:   %d\n", mi.HeadDim)
	fmt.Printf("  vocab:      %d\n", mi.VocabSize)
	fmt.Printf("  ctx_len:    %d\n", mi.ContextLength)
	fmt.Printf("  rope_theta: %g\n", mi.RopeTheta)
	fmt.Printf("  norm_eps:   %g\n", mi.NormEps)

	if *showRunners {
		fmt.Println()
		fmt.Println("Runners:")
		for _, decl := range f.Runners() {
			fmt.Printf("  %-24s kind=%-8s capacity=%d\n", decl.Name, decl.Kind, decl.Capacity)
			for _, slot := range decl.Inputs {
				fmt.Printf("    in  %-20s %v\n", slot.Name, slot.Dims)
			}
			for _, slot := range decl.Outputs {
				fmt.Printf("    out %-20s %v\n", slot.Name, slot.Dims)
			}
		}
	}

	if *showTensors != 0 {
		printTensors(f, *showTensors)
	}
}

func printTensors(f *graphstore.File, limit int) {
	recs, err := cgf.ParseTensorIndexSection(f.TensorIndexRaw())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}

	fmt.Println()
	fmt.Printf("Tensors (%d total):\n", len(recs))
	for i, rec := range recs {
		if limit >= 0 && i >= limit {
			fmt.Printf("  ... %d more\n", len(recs)-i)
			break
		}
		dims := make([]string, len(rec.Shape))
		for j, d := range rec.Shape {
			dims[j] = fmt.Sprintf("%d", d)
		}
		fmt.Printf("  %-40s %-5s [%s] off=%d size=%d\n",
			rec.Name, rec.DType, strings.Join(dims, "x"), rec.DataOff, rec.DataSize)
	}
}
