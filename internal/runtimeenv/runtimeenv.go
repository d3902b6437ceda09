// Package runtimeenv raises process resource limits, reads the host's
// available memory, and loads an optional .env file into the process
// environment.
package runtimeenv

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cryptoarchive/daily-processor/internal/log"
)

// DefaultNOFILE is the minimum open-file limit the Symbol Router needs:
// stage 1 may hold one open compressor per symbol plus one parsed sink.
const DefaultNOFILE = 4096

// RaiseNoFile raises the process's soft RLIMIT_NOFILE to at least want,
// capped at the hard limit. This must happen at startup, before the
// Symbol Router is able to create tens of thousands of sinks.
func RaiseNoFile(want uint64) error {
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("runtimeenv: getrlimit: %w", err)
	}
	if rlim.Cur >= want {
		return nil
	}
	target := want
	if rlim.Max < target {
		target = rlim.Max
		log.Warnf("runtimeenv: hard NOFILE limit %d is below requested %d, raising to hard limit only", rlim.Max, want)
	}
	rlim.Cur = target
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("runtimeenv: setrlimit: %w", err)
	}
	return nil
}

// AvailableMemoryBytes queries the kernel's estimate of currently available
// memory (/proc/meminfo's MemAvailable, which already accounts for
// reclaimable caches), for the Memory Admission Controller's starting
// budget at stage-2 start. There is no portable syscall for this; reading
// /proc/meminfo is the standard approach on Linux, the only platform this
// process targets.
func AvailableMemoryBytes() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("runtimeenv: open /proc/meminfo: %w", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("runtimeenv: unexpected MemAvailable line %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("runtimeenv: parse MemAvailable %q: %w", fields[1], err)
		}
		return kb * 1024, nil
	}
	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("runtimeenv: scan /proc/meminfo: %w", err)
	}
	return 0, fmt.Errorf("runtimeenv: MemAvailable not found in /proc/meminfo")
}

// LoadDotEnv loads key=value pairs from path into the process environment.
// cmd/archiver reads its positional arguments from the command line only,
// so these values do not supply defaults for them. A missing file is not
// an error: .env loading is optional.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("runtimeenv: load %s: %w", path, err)
	}
	return nil
}
