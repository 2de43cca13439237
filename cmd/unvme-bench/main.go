// Command unvme-bench opens an NVMe device through the driver's public
// façade and drives a fixed read/write workload against it, reporting
// throughput. It stands in for the excluded "block-device benchmark
// harness adapter" (spec §1 non-goal) without reimplementing that
// adapter's own contract.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/unvme-go/unvme"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	pci := flag.String("pci", "", "PCI device, \"bb:dd.f[/nsid]\"")
	qcount := flag.Int("qcount", 0, "I/O queue count (0 = driver default)")
	qsize := flag.Int("qsize", 0, "I/O queue depth (0 = driver default)")
	blocks := flag.Int("nlb", 16, "blocks per I/O")
	iters := flag.Int("n", 1000, "number of write+read round trips")
	flag.Parse()

	if *pci == "" {
		bound, err := unvme.ListBoundDevices()
		if err != nil || len(bound) == 0 {
			fmt.Printf("usage: %s -pci=bb:dd.f[/nsid] [-qcount=N] [-qsize=N] [-nlb=N] [-n=N]\n", path.Base(os.Args[0]))
			if err != nil {
				fmt.Printf("(autodetect failed: %v)\n", err)
			} else {
				fmt.Println("(no vfio-pci-bound devices found to autodetect)")
			}
			flag.PrintDefaults()
			os.Exit(2)
		}
		log.Printf("autodetected %s (iommu group %s), pass -pci to pick a different device", bound[0].PCIAddress, bound[0].IOMMUGroup)
		*pci = bound[0].PCIAddress
	}

	sess, err := unvme.OpenQ(*pci, *qcount, *qsize)
	if err != nil {
		log.Fatalf("open %s: %v", *pci, err)
	}
	defer unvme.Close(sess)

	ns := sess.Namespace()
	log.Printf("opened %s: block size %d, %d blocks, %d I/O queues of depth %d",
		ns.DeviceID, ns.BlockSize, ns.BlockCount, ns.QueueCount, ns.QueueSize)

	size := int(ns.BlockSize) * *blocks
	buf, err := unvme.Alloc(sess, size)
	if err != nil {
		log.Fatalf("alloc: %v", err)
	}
	defer unvme.Free(sess, buf)

	data := buf.Bytes()
	for i := range data {
		data[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < *iters; i++ {
		lba := uint64(i*(*blocks)) % (ns.BlockCount - uint64(*blocks))
		if err := unvme.Write(sess, 0, buf, lba, uint32(*blocks)); err != nil {
			log.Fatalf("write #%d: %v", i, err)
		}
		if err := unvme.Read(sess, 0, buf, lba, uint32(*blocks)); err != nil {
			log.Fatalf("read #%d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	bytes := int64(*iters) * int64(size) * 2
	mbps := float64(bytes) / elapsed.Seconds() / (1 << 20)
	log.Printf("%d round trips of %d bytes in %v: %.1f MiB/s", *iters, size, elapsed, mbps)
}
