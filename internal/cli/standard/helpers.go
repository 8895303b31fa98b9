package standard

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/lambdo/internal/cli/client"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	base, err := cmd.Root().PersistentFlags().GetString("api")
	if err != nil {
		base = envOrDefault("LAMBDO_API_BASE", client.DefaultBaseURL)
	}
	key, err := cmd.Root().PersistentFlags().GetString("api-key")
	if err != nil {
		key = os.Getenv("LAMBDO_API_KEY")
	}
	api, err := client.New(base)
	if err != nil {
		return nil, err
	}
	return api.WithAPIKey(key), nil
}

// parsePortPair reads "host:guest".
func parsePortPair(raw string) ([2]int, error) {
	hostRaw, guestRaw, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return [2]int{}, fmt.Errorf("invalid port mapping %q (want host:guest)", raw)
	}
	host, err := parsePort(hostRaw)
	if err != nil {
		return [2]int{}, fmt.Errorf("invalid host port in %q: %w", raw, err)
	}
	guest, err := parsePort(guestRaw)
	if err != nil {
		return [2]int{}, fmt.Errorf("invalid guest port in %q: %w", raw, err)
	}
	return [2]int{host, guest}, nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// parseDisk reads "id[:ro][:root]".
func parseDisk(raw string) (client.DiskOptions, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	disk := client.DiskOptions{ID: parts[0]}
	if disk.ID == "" {
		return client.DiskOptions{}, fmt.Errorf("invalid disk %q: missing image id", raw)
	}
	for _, flag := range parts[1:] {
		switch flag {
		case "ro":
			disk.IsReadonly = true
		case "root":
			disk.IsRootDevice = true
		default:
			return client.DiskOptions{}, fmt.Errorf("invalid disk %q: unknown flag %q", raw, flag)
		}
	}
	return disk, nil
}

func formatPortMapping(pairs [][2]int) string {
	if len(pairs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, fmt.Sprintf("%d->%d", p[0], p[1]))
	}
	return strings.Join(parts, ",")
}
