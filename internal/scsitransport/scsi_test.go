//go:build linux

package scsitransport

import (
	"testing"

	"github.com/tapevault/tapebackarr/internal/tapeerr"
)

func TestPut24RoundTrip(t *testing.T) {
	cdb := make([]byte, 6)
	put24(cdb, 2, 1)
	if cdb[2] != 0 || cdb[3] != 0 || cdb[4] != 1 {
		t.Fatalf("put24(1) = % x", cdb[2:5])
	}

	put24(cdb, 2, -1)
	if cdb[2] != 0xFF || cdb[3] != 0xFF || cdb[4] != 0xFF {
		t.Fatalf("put24(-1) = % x, want all-0xFF two's complement", cdb[2:5])
	}
}

func TestClassifySenseUnitAttention(t *testing.T) {
	sense := make([]byte, 18)
	sense[2] = 0x06 // UNIT ATTENTION
	err := classifySense(sense, 0)
	if !tapeerr.Is(err, tapeerr.NotReady) {
		t.Fatalf("classifySense(UNIT ATTENTION) = %v, want NotReady", err)
	}
}

func TestClassifySenseWriteProtect(t *testing.T) {
	sense := make([]byte, 18)
	sense[2] = 0x07 // DATA PROTECT
	err := classifySense(sense, 0)
	if !tapeerr.Is(err, tapeerr.WriteProtected) {
		t.Fatalf("classifySense(DATA PROTECT) = %v, want WriteProtected", err)
	}
}

func TestClassifySenseEndOfMedium(t *testing.T) {
	sense := make([]byte, 18)
	sense[2] = 0x03 // MEDIUM ERROR
	sense[12] = 0x00
	sense[13] = 0x02
	err := classifySense(sense, 0)
	if !tapeerr.Is(err, tapeerr.EndOfMedium) {
		t.Fatalf("classifySense(EOM) = %v, want EndOfMedium", err)
	}
}

func TestClassifySenseHostError(t *testing.T) {
	sense := make([]byte, 18)
	err := classifySense(sense, 0x0001)
	if !tapeerr.Is(err, tapeerr.DeviceUnavailable) {
		t.Fatalf("classifySense(host status set) = %v, want DeviceUnavailable", err)
	}
}

func TestTrimInquiryField(t *testing.T) {
	got := trimInquiryField([]byte("IBM     "))
	if got != "IBM" {
		t.Fatalf("trimInquiryField = %q, want IBM", got)
	}
}
