// Command recoveryctl queries a running recoveryd's inspection RPC.
// Adapted from cmd/raftctl/main.go's flag layout and net/rpc dial pattern.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/rpc"
	"os"
)

func main() {
	var (
		address = flag.String("address", "localhost:8080", "recoveryd RPC address")
	)
	flag.Parse()

	client, err := rpc.Dial("tcp", *address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", *address, err)
		os.Exit(1)
	}
	defer client.Close()

	var reply struct {
		State            string
		View             uint64
		EpochVector      []uint64
		FirstUncommitted uint64
		Attempts         int64
	}
	if err := client.Call("Inspect.Get", struct{}{}, &reply); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
}
