package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
)

// CalculateFileSHA1 computes the SHA-1 of a file, the checksum the archive publishes per file
func CalculateFileSHA1(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha1.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// CopyWithSHA1 copies src to dst and returns the byte count and SHA-1 of what was copied
func CopyWithSHA1(dst io.Writer, src io.Reader) (int64, string, error) {
	hash := sha1.New()
	n, err := io.Copy(io.MultiWriter(dst, hash), src)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(hash.Sum(nil)), nil
}
