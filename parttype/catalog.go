// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package parttype holds the static, process-wide catalog of well-known
// partition types: short name, MBR byte (where one exists), GPT type GUID,
// and a human description. It is pure data with no runtime registration.
package parttype

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Entry describes one well-known partition type.
//
// GPTCode is a 16-bit composite: the high byte is the conventional MBR
// type byte (0x00..0xFF), and the low byte disambiguates multiple GPT
// meanings that share the same MBR byte. A nonzero low byte means there is
// no single MBR-equivalent code for this entry.
type Entry struct {
	GPTCode     uint16
	TypeGUID    uuid.UUID
	OSTag       string
	ShortName   string
	Description string
}

// MBRByte returns the conventional MBR type byte for this entry, and false
// if the entry has no MBR-equivalent code (GPTCode's low byte is nonzero).
func (e Entry) MBRByte() (byte, bool) {
	if e.GPTCode&0xff != 0 {
		return 0, false
	}

	return byte(e.GPTCode >> 8), true
}

// catalog is the single source of truth: initialization-time constant, no
// runtime registration API.
var catalog = []Entry{
	{
		GPTCode:     0xef00,
		TypeGUID:    uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b"),
		ShortName:   "esp",
		Description: "EFI System Partition",
	},
	{
		GPTCode:     0x0001,
		TypeGUID:    uuid.MustParse("21686148-6449-6e6f-744e-656564454649"),
		ShortName:   "biosboot",
		Description: "BIOS Boot Partition (GRUB core.img, no MBR equivalent)",
	},
	{
		GPTCode:     0x8300,
		TypeGUID:    uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4"),
		OSTag:       "linux",
		ShortName:   "linux/filesystem",
		Description: "Linux filesystem data",
	},
	{
		GPTCode:     0x8200,
		TypeGUID:    uuid.MustParse("0657fd6d-a4ab-43c4-84e5-0933c84b4f4f"),
		OSTag:       "linux",
		ShortName:   "linux/swap",
		Description: "Linux swap",
	},
	{
		GPTCode:     0x8201,
		TypeGUID:    uuid.MustParse("516e7cb5-6ecf-11d6-8ff8-00022d09712b"),
		OSTag:       "freebsd",
		ShortName:   "freebsd/swap",
		Description: "FreeBSD swap (shares MBR byte 0x82 with linux/swap)",
	},
	{
		GPTCode:     0x8e00,
		TypeGUID:    uuid.MustParse("e6d6d379-f507-44c2-a23c-238f2a3df928"),
		OSTag:       "linux",
		ShortName:   "linux/lvm",
		Description: "Linux LVM",
	},
	{
		GPTCode:     0xfd00,
		TypeGUID:    uuid.MustParse("a19d880f-05fc-4d3b-a006-743f0f84911e"),
		OSTag:       "linux",
		ShortName:   "linux/raid",
		Description: "Linux RAID",
	},
	{
		GPTCode:     0x8302,
		TypeGUID:    uuid.MustParse("933ac7e1-2eb4-4f13-b844-0e14e2aef915"),
		OSTag:       "linux",
		ShortName:   "linux/home",
		Description: "Linux /home (shares MBR byte 0x83 with linux/filesystem)",
	},
	{
		GPTCode:     0x0700,
		TypeGUID:    uuid.MustParse("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7"),
		OSTag:       "windows",
		ShortName:   "windows/basic-data",
		Description: "Microsoft basic data partition",
	},
	{
		GPTCode:     0x0c01,
		TypeGUID:    uuid.MustParse("e3c9e316-0b5c-4db8-817d-f92df00215ae"),
		OSTag:       "windows",
		ShortName:   "windows/msr",
		Description: "Microsoft Reserved Partition (no MBR equivalent)",
	},
	{
		GPTCode:     0xee00,
		TypeGUID:    uuid.MustParse("024dee41-33e7-11d3-9d69-0008c781f39f"),
		ShortName:   "protective-mbr",
		Description: "Legacy MBR partition scheme GUID (used for the protective MBR entry itself)",
	},
}

// ByName looks up the catalog entry with the given short name.
func ByName(name string) (Entry, bool) {
	for _, e := range catalog {
		if e.ShortName == name {
			return e, true
		}
	}

	return Entry{}, false
}

// ByGPTCode looks up the catalog entry whose composite GPT code matches.
func ByGPTCode(code uint16) (Entry, bool) {
	for _, e := range catalog {
		if e.GPTCode == code {
			return e, true
		}
	}

	return Entry{}, false
}

// ErrUnknownPartitionCode indicates a catalog lookup miss for a name that
// is neither a recognized short name nor a literal code.
type ErrUnknownPartitionCode struct {
	Code string
}

func (e *ErrUnknownPartitionCode) Error() string {
	return fmt.Sprintf("parttype: unknown partition code %q", e.Code)
}

// ResolveMBRByte resolves a spec-level fs_code/partcode string to an MBR
// type byte. The string may be a catalog short name or a literal byte in
// hex ("0x83") or bare hex ("83"). A bare digit string is read as hex
// first and as decimal only when it does not fit a byte in hex ("131").
func ResolveMBRByte(code string) (byte, error) {
	if entry, ok := ByName(code); ok {
		b, ok := entry.MBRByte()
		if !ok {
			return 0, fmt.Errorf("parttype: %q has no MBR-equivalent code", code)
		}

		return b, nil
	}

	v, err := parseByteLiteral(code)
	if err != nil {
		return 0, &ErrUnknownPartitionCode{Code: code}
	}

	return v, nil
}

// ResolveGPTType resolves a spec-level fs_code/partcode string to a GPT
// partition type GUID. The string may be a catalog short name or a literal
// UUID.
func ResolveGPTType(code string) (uuid.UUID, error) {
	if entry, ok := ByName(code); ok {
		return entry.TypeGUID, nil
	}

	if id, err := uuid.Parse(code); err == nil {
		return id, nil
	}

	return uuid.Nil, &ErrUnknownPartitionCode{Code: code}
}

func parseByteLiteral(s string) (byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		if v, err := strconv.ParseUint(s, 16, 8); err == nil {
			return byte(v), nil
		}
	}

	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, err
	}

	return byte(v), nil
}
