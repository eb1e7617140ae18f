package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"

	"github.com/nightduck/rmw-hazcat/pkg/alloc"
	"github.com/nightduck/rmw-hazcat/pkg/queue"
)

// shell holds the allocators this session has attached, keyed by the
// label the operator gave them on attach, mirroring debug-capacity's
// single-segment dump but across however many the operator wants open
// at once.
type shell struct {
	allocators map[string]alloc.Dispatch
}

func newShell() *shell {
	return &shell{allocators: make(map[string]alloc.Dispatch)}
}

func (s *shell) close() {
	for _, a := range s.allocators {
		_ = a.Unmap()
	}
}

func runInteractive() {
	sh := newShell()
	defer sh.close()

	fmt.Println("hazcatctl interactive shell. Type 'help' for commands, 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("hazcatctl> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "parse error:", err)
			continue
		}
		if len(args) == 1 && args[0] == "exit" {
			return
		}
		if err := sh.dispatch(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func (s *shell) dispatch(args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "help":
		s.help()
		return nil
	case "attach-cpu":
		return s.attachCPU(args[1:])
	case "attach-device":
		return s.attachDevice(args[1:])
	case "list":
		s.list()
		return nil
	case "dump-alloc":
		return s.dumpAlloc(args[1:])
	case "dump-topic":
		return s.dumpTopic(args[1:])
	case "force-unregister":
		return s.forceUnregister(args[1:])
	default:
		return fmt.Errorf("unknown command %q, try 'help'", args[0])
	}
}

func (s *shell) help() {
	fmt.Println(`commands:
  attach-cpu <label> <segment-name>              attach a CPU ring allocator
  attach-device <label> <segment-name>           attach a device ring allocator
  list                                           list attached allocators
  dump-alloc <label>                             dump an attached allocator's header/body
  dump-topic <topic-name>                        dump a queue topic's header
  force-unregister <topic-name> <pub|sub>        decrement pub_count/sub_count directly
  exit                                            leave the shell`)
}

func (s *shell) attachCPU(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: attach-cpu <label> <segment-name>")
	}
	a, err := alloc.AttachCPURing(args[1])
	if err != nil {
		return err
	}
	s.allocators[args[0]] = a
	return nil
}

func (s *shell) attachDevice(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: attach-device <label> <segment-name>")
	}
	a, err := alloc.AttachDeviceRing(args[1], nil)
	if err != nil {
		return err
	}
	s.allocators[args[0]] = a
	return nil
}

func (s *shell) list() {
	if len(s.allocators) == 0 {
		fmt.Println("(no allocators attached)")
		return
	}
	for label, a := range s.allocators {
		fmt.Printf("%s: shmem_id=%d domain=%#x\n", label, a.ShmemID(), a.DomainID())
	}
}

func (s *shell) dumpAlloc(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dump-alloc <label>")
	}
	a, ok := s.allocators[args[0]]
	if !ok {
		return fmt.Errorf("no allocator attached as %q", args[0])
	}
	h := a.Header()
	fmt.Printf("shmem_id=%d strategy=%v device_type=%v device_number=%d domain=%#x\n",
		h.ShmemID(), h.Strategy(), h.DeviceType(), h.DeviceNumber(), h.DomainID())
	switch v := a.(type) {
	case *alloc.CPURing:
		fmt.Printf("item_size=%d ring_size=%d count=%d rear_it=%d\n", v.ItemSize(), v.RingSize(), v.Count(), v.RearIt())
	case *alloc.DeviceRing:
		fmt.Printf("item_size=%d ring_size=%d count=%d rear_it=%d\n", v.ItemSize(), v.RingSize(), v.Count(), v.RearIt())
	}
	return nil
}

func (s *shell) dumpTopic(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dump-topic <topic-name>")
	}
	snap, err := queue.Inspect(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("index=%d len=%d num_domains=%d pub_count=%d sub_count=%d generation=%d\n",
		snap.Index, snap.Len, snap.NumDomains, snap.PubCount, snap.SubCount, snap.Generation)
	for i, d := range snap.Domains {
		fmt.Printf("  domains[%d]=%#x\n", i, d)
	}
	return nil
}

func (s *shell) forceUnregister(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: force-unregister <topic-name> <pub|sub>")
	}
	var role queue.Role
	switch args[1] {
	case "pub":
		role = queue.RolePublisher
	case "sub":
		role = queue.RoleSubscriber
	default:
		return fmt.Errorf("role must be 'pub' or 'sub', got %q", args[1])
	}
	return queue.ForceUnregister(args[0], role)
}
