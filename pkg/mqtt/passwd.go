package mqtt

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// passwdFile holds user:bcrypt-hash entries loaded from disk.
type passwdFile struct {
	entries map[string]string
}

// loadPasswdFile parses a password file. Blank lines and lines starting
// with # are ignored.
func loadPasswdFile(path string) (*passwdFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, found := strings.Cut(line, ":")
		if !found || user == "" {
			return nil, fmt.Errorf("malformed entry at line %d", lineNo)
		}
		entries[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &passwdFile{entries: entries}, nil
}

// check verifies the password against the stored bcrypt hash.
func (p *passwdFile) check(user, password string) bool {
	hash, ok := p.entries[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
