package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/10yihang/slotkv/internal/cluster/hash"
)

func main() {
	slot := flag.Uint("slot", 0, "target hash slot")
	prefix := flag.String("prefix", "key", "key prefix")
	flag.Parse()

	if *slot >= hash.SlotCount {
		fmt.Fprintf(os.Stderr, "slot must be below %d\n", hash.SlotCount)
		os.Exit(1)
	}

	key, ok := hash.KeyForSlot(*prefix, uint16(*slot))
	if !ok {
		fmt.Println("Not found")
		os.Exit(1)
	}
	fmt.Println(key)
}
