package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chaz8081/peerlink/internal/radio"
)

// describe returns the user-facing lines for what changed between two
// snapshots.
func describe(prev, next radio.Snapshot) []string {
	var out []string

	if prev.AdapterEnabled != next.AdapterEnabled && next.AdapterPresent {
		if next.AdapterEnabled {
			out = append(out, "Bluetooth is on")
		} else {
			out = append(out, "Bluetooth is off")
		}
	}
	if prev.Scanning != next.Scanning {
		if next.Scanning {
			out = append(out, "Scanning...")
		} else {
			out = append(out, fmt.Sprintf("Scan finished, %d peer(s) known", len(next.Peers)))
		}
	}

	if len(next.Peers) == 0 && len(prev.Peers) > 0 {
		out = append(out, "Peer list cleared")
	}
	known := make(map[string]radio.Peer, len(prev.Peers))
	for _, p := range prev.Peers {
		known[p.ID] = p
	}
	labels := make(map[string]string, len(next.Peers))
	for i, p := range next.Peers {
		labels[p.ID] = p.Label()
		old, ok := known[p.ID]
		switch {
		case !ok:
			out = append(out, "+ "+peerLine(i, p))
		case old.Bond != p.Bond:
			out = append(out, fmt.Sprintf("  %s: %s -> %s", p.Label(), old.Bond, p.Bond))
		case old.Name != p.Name:
			out = append(out, fmt.Sprintf("  %s is now %q", p.ID, p.Name))
		}
	}

	before := make(map[string]radio.ConnectionStatus, len(prev.Connections))
	for _, c := range prev.Connections {
		before[c.SessionID] = c
	}
	for _, c := range next.Connections {
		old, ok := before[c.SessionID]
		if ok && old.State == c.State {
			continue
		}
		label := labels[c.Peer]
		if label == "" {
			label = c.Peer
		}
		switch {
		case c.State == radio.StateFailed && c.LastError != "":
			out = append(out, fmt.Sprintf("Connect to %s failed: %s", label, c.LastError))
		case c.State == radio.StateConnected:
			out = append(out, fmt.Sprintf("Connected to %s via %s", label, c.Strategy))
		default:
			out = append(out, fmt.Sprintf("  %s: %s", label, c.State))
		}
	}
	return out
}

func peerLine(i int, p radio.Peer) string {
	if p.Name == "" {
		return fmt.Sprintf("[%d] %s %s", i+1, p.ID, p.Bond)
	}
	return fmt.Sprintf("[%d] %s (%s) %s", i+1, p.Name, p.ID, p.Bond)
}

func printPeers(w io.Writer, snap radio.Snapshot) {
	if len(snap.Peers) == 0 {
		fmt.Fprintln(w, "No peers found yet. Type 'scan'.")
		return
	}
	for i, p := range snap.Peers {
		fmt.Fprintln(w, peerLine(i, p))
	}
}

// resolvePeer accepts either a list index as printed by printPeers or a
// peer address.
func resolvePeer(arg string, snap radio.Snapshot) string {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(snap.Peers) {
		return snap.Peers[n-1].ID
	}
	return radio.NormalizeID(arg)
}

// parseCommand splits an input line into a lower-cased verb and its argument.
func parseCommand(line string) (verb, arg string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	verb = strings.ToLower(fields[0])
	if len(fields) > 1 {
		arg = fields[1]
	}
	return verb, arg
}
