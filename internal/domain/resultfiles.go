package domain

import (
	"encoding/json"
	"fmt"
)

// EncodeResultFiles serializes a work item's intermediate segment list for
// storage in its fileStorageLocation field.
func EncodeResultFiles(files []ResultFile) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	data, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("failed to encode result files: %w", err)
	}
	return string(data), nil
}

// DecodeResultFiles reverses EncodeResultFiles. An empty location decodes to
// no files.
func DecodeResultFiles(location string) ([]ResultFile, error) {
	if location == "" {
		return nil, nil
	}
	var files []ResultFile
	if err := json.Unmarshal([]byte(location), &files); err != nil {
		return nil, fmt.Errorf("failed to decode result files: %w", err)
	}
	return files, nil
}
