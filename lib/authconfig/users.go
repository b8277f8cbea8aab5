// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package authconfig

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// User is one paired account: the username, the phone's public identity
// key, and the symmetric key shared with that phone at pairing time.
type User struct {
	Name         string
	PublicKey    []byte
	SymmetricKey []byte
}

// LoadUsers reads users.txt: one record per line,
// "username:public-key-base64:symmetric-key-base64". Blank lines and
// '#' comments are skipped. A line that does not parse fails the load;
// a stale table must not silently authenticate a subset of users.
func LoadUsers(path string) ([]User, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening user table: %w", err)
	}
	defer file.Close()

	var users []User
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("user table %s line %d: want username:public-key:symmetric-key", path, lineNumber)
		}
		publicKey, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("user table %s line %d: public key: %w", path, lineNumber, err)
		}
		symmetricKey, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("user table %s line %d: symmetric key: %w", path, lineNumber, err)
		}
		users = append(users, User{
			Name:         fields[0],
			PublicKey:    publicKey,
			SymmetricKey: symmetricKey,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading user table: %w", err)
	}
	return users, nil
}

// FilterUsersByName returns the records matching name. The result may
// be empty; callers must treat an empty filter as a failure rather than
// pass it on, because an empty table means "any user" to the handshake.
func FilterUsersByName(users []User, name string) []User {
	var matched []User
	for _, user := range users {
		if user.Name == name {
			matched = append(matched, user)
		}
	}
	return matched
}
