package blocklist

import (
	"bufio"
	"io"
	"strings"
)

// ParseList reads a domain list in hosts-file or plain-domain format. Lines
// like "0.0.0.0 ads.example.com" and bare "ads.example.com" both yield the
// normalized domain; comments (# or !) and blank lines are skipped, as are
// entries that fail normalization. Duplicates are collapsed, input order kept.
func ParseList(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	// Some published lists carry very long comment lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seen := make(map[string]struct{})
	var domains []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if i := strings.IndexAny(line, "#!"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		// Hosts-file format: "<ip> <domain> [aliases...]".
		fields := strings.Fields(line)
		candidate := fields[0]
		if len(fields) > 1 && isHostsSink(fields[0]) {
			candidate = fields[1]
		}

		d, err := NormalizeDomain(candidate)
		if err != nil {
			continue
		}
		if isHostsSink(d) || d == "localhost.localdomain" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return domains, nil
}

// isHostsSink reports the sink addresses and placeholder hosts that hosts-file
// lists point blocked domains at.
func isHostsSink(s string) bool {
	switch s {
	case "0.0.0.0", "127.0.0.1", "::", "::1", "localhost":
		return true
	}
	return false
}
