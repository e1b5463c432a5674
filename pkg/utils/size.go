package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte size constants, binary (1024-based).
const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * 1024
	GigaByte int64 = 1024 * 1024 * 1024
	TeraByte int64 = 1024 * 1024 * 1024 * 1024
)

var sizeRe = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses human-friendly sizes like "100MB", "1.5GB" or a
// bare byte count. Units are binary: KB/MB/GB/TB all mean 1024-based,
// which is what file-size limits in this service have always meant.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	matches := sizeRe.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '100MB' or '1.5GB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := sizeMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB)", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// ParseDataSizeWithDefault parses a size string, falling back to
// defaultSize when the string is empty or malformed.
func ParseDataSizeWithDefault(sizeStr string, defaultSize int64) int64 {
	if sizeStr == "" {
		return defaultSize
	}
	size, err := ParseDataSize(sizeStr)
	if err != nil {
		return defaultSize
	}
	return size
}

// FormatDataSize renders bytes as a human-readable binary size.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB"}
	div := KiloByte
	exp := 0
	for n := bytes / KiloByte; n >= KiloByte && exp < len(units)-1; n /= KiloByte {
		div *= KiloByte
		exp++
	}

	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	}
	return fmt.Sprintf("%.1f %s", value, units[exp])
}

func sizeMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return Byte
	case "K", "KB", "KIB":
		return KiloByte
	case "M", "MB", "MIB":
		return MegaByte
	case "G", "GB", "GIB":
		return GigaByte
	case "T", "TB", "TIB":
		return TeraByte
	default:
		return 0
	}
}
