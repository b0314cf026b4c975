// Command io-workload produces a stepped read/write load for trying the
// adapter by hand:
//
//	scaleadapter run --interval 500ms -- go run ./demo/io-workload
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

func main() {
	phases := flag.Int("phases", 4, "number of load steps")
	step := flag.Duration("step", 2*time.Second, "duration of one load step")
	block := flag.Int("block", 64*1024, "bytes per write")
	flag.Parse()

	dir, err := os.MkdirTemp("", "io-workload-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "data.bin")
	buf := make([]byte, *block)

	for phase := 1; phase <= *phases; phase++ {
		// Every phase doubles the write rate.
		pause := 10 * time.Millisecond / time.Duration(1<<(phase-1))
		var written int64
		deadline := time.Now().Add(*step)

		for time.Now().Before(deadline) {
			n, err := writeAndReadBack(path, buf)
			if err != nil {
				log.Fatal(err)
			}
			written += n
			time.Sleep(pause)
		}
		log.Printf("phase %d: %d bytes written", phase, written)
	}
}

func writeAndReadBack(path string, buf []byte) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.Write(buf)
	if err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := io.Copy(io.Discard, f); err != nil {
		return 0, err
	}
	return int64(n), nil
}
