package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTransferSize(t *testing.T) {
	gb := float64(1 << 30)
	cases := []struct {
		name   string
		output string
		want   int64
	}{
		{"empty", "", 0},
		{"whitespace", "   \n\t  ", 0},
		{"estimated size", "estimated size is 1.2G", int64(1.2 * gb)},
		{"total estimated size", "total estimated size is 500M", 500 * 1024 * 1024},
		{"plain size line", "size\t123456789", 123456789},
		{"full send line", "full\tpool/data@20250101-000000\t987654321", 987654321},
		{"incremental line", "incremental\t20250101-000000\tpool/data@20250102-000000\t42000000", 42000000},
		{"trailing size with snapshot", "3.4G pool/data@20250101-000000", int64(3.4 * gb)},
		{"sent form", "sent 812K in 3 seconds", 812 * 1024},
		{"bytes form", "1048576 bytes transferred", 1048576},
		{"raw size is", "size is 654321", 654321},
		{"fallback largest big integer", "warning 123 noise 99999 candidate 7654321 other 1234567", 7654321},
		{"no big integer", "nothing here 123 45", 0},
		{"kilobyte suffix", "estimated size is 64K", 64 * 1024},
		{"terabyte suffix", "estimated size is 2T", 2 * 1024 * 1024 * 1024 * 1024},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ParseTransferSize(c.output))
		})
	}
}
