package wgconf

import (
	"fmt"
	"strings"

	"github.com/mmkash-web/wireguard/pkg/model"
)

// Block grammar: a name comment, the [Peer] marker, a PublicKey field
// and an AllowedIPs field, in that order. Anything else between blocks
// (the [Interface] section in particular) is passed over untouched.

// parsePeers walks the file and extracts well-formed peer blocks.
// A comment is only treated as a peer name when the next non-blank
// line is the [Peer] marker.
func parsePeers(content string) ([]model.Peer, []string) {
	lines := strings.Split(content, "\n")
	var peers []model.Peer
	var warnings []string
	for i := 0; i < len(lines); i++ {
		name, ok := commentName(lines[i])
		if !ok {
			continue
		}
		j := nextNonBlank(lines, i+1)
		if j < 0 || strings.TrimSpace(lines[j]) != "[Peer]" {
			continue
		}
		pubKey, pkLine := fieldAfter(lines, j+1, "PublicKey")
		if pkLine < 0 {
			warnings = append(warnings, fmt.Sprintf("peer block %q at line %d: missing PublicKey, block skipped", name, i+1))
			i = j
			continue
		}
		allowed, aiLine := fieldAfter(lines, pkLine+1, "AllowedIPs")
		if aiLine < 0 {
			warnings = append(warnings, fmt.Sprintf("peer block %q at line %d: missing AllowedIPs, block skipped", name, i+1))
			i = pkLine
			continue
		}
		peers = append(peers, model.Peer{
			Name:      name,
			PublicKey: pubKey,
			Address:   stripMask(firstAddr(allowed)),
			VPNType:   model.VPNTypeWireGuard,
			Active:    true,
		})
		i = aiLine
	}
	return peers, warnings
}

// findBlock returns the half-open line range [start, end) of the named
// block in lines, or (-1, -1). Lines keep their trailing newlines so a
// caller can excise the range verbatim.
func findBlock(lines []string, name string) (int, int) {
	for i := 0; i < len(lines); i++ {
		n, ok := commentName(strings.TrimSuffix(lines[i], "\n"))
		if !ok || n != name {
			continue
		}
		j := nextNonBlankSuffix(lines, i+1)
		if j < 0 || strings.TrimSpace(lines[j]) != "[Peer]" {
			continue
		}
		end := j + 1
		for end < len(lines) {
			key, _, ok := splitField(strings.TrimSuffix(lines[end], "\n"))
			if !ok {
				break
			}
			end++
			if key == "AllowedIPs" {
				return i, end
			}
		}
		// Partial block: excise what is there rather than leave a stub.
		return i, end
	}
	return -1, -1
}

func commentName(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "#") {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(t, "#"))
	if name == "" {
		return "", false
	}
	return name, true
}

// splitField parses "Key = value" configuration lines.
func splitField(line string) (key, val string, ok bool) {
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "[") {
		return "", "", false
	}
	eq := strings.Index(t, "=")
	if eq < 0 {
		return "", "", false
	}
	return strings.TrimSpace(t[:eq]), strings.TrimSpace(t[eq+1:]), true
}

// fieldAfter expects the named field on the next non-blank line and
// returns its value and line index, or -1 when the grammar is broken.
func fieldAfter(lines []string, from int, want string) (string, int) {
	i := nextNonBlank(lines, from)
	if i < 0 {
		return "", -1
	}
	key, val, ok := splitField(lines[i])
	if !ok || key != want {
		return "", -1
	}
	return val, i
}

func nextNonBlank(lines []string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}

func nextNonBlankSuffix(lines []string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(strings.TrimSuffix(lines[i], "\n")) != "" {
			return i
		}
	}
	return -1
}

func firstAddr(allowed string) string {
	if idx := strings.Index(allowed, ","); idx > 0 {
		return strings.TrimSpace(allowed[:idx])
	}
	return allowed
}

func stripMask(cidr string) string {
	if idx := strings.Index(cidr, "/"); idx > 0 {
		return cidr[:idx]
	}
	return cidr
}
