package noderpc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Datadir derives the node's data directory from a block-file location: a
// trailing "blocks" component is stripped, anything else is used as-is.
func Datadir(blkFileLocation string) string {
	if filepath.Base(blkFileLocation) == "blocks" {
		return filepath.Dir(blkFileLocation)
	}
	return blkFileLocation
}

// AuthString resolves the node's RPC credentials as "user:pass". It reads
// rpcuser/rpcpassword from bitcoin.conf in the datadir and falls back to
// the .cookie file when either is missing.
func AuthString(datadir string) (string, error) {
	lines, err := readLines(filepath.Join(datadir, "bitcoin.conf"))
	if err != nil {
		return cookieAuthString(datadir)
	}
	keyVals := keyValsFromLines(lines, '=')

	user, ok := keyVals["rpcuser"]
	if !ok {
		return cookieAuthString(datadir)
	}
	pass, ok := keyVals["rpcpassword"]
	if !ok {
		return cookieAuthString(datadir)
	}
	return user + ":" + pass, nil
}

// cookieAuthString reads the .cookie file: a single "__cookie__:<secret>"
// line. Any other shape is fatal for this attempt.
func cookieAuthString(datadir string) (string, error) {
	lines, err := readLines(filepath.Join(datadir, ".cookie"))
	if err != nil {
		return "", err
	}
	if len(lines) != 1 {
		return "", fmt.Errorf("noderpc: unexpected cookie file content")
	}
	keyVals := keyValsFromLines(lines, ':')
	if _, ok := keyVals["__cookie__"]; !ok {
		return "", fmt.Errorf("noderpc: unexpected cookie file content")
	}
	return lines[0], nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func keyValsFromLines(lines []string, sep byte) map[string]string {
	keyVals := make(map[string]string, len(lines))
	for _, line := range lines {
		if idx := strings.IndexByte(line, sep); idx >= 0 {
			keyVals[line[:idx]] = line[idx+1:]
		}
	}
	return keyVals
}
