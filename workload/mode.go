package workload

import "strings"

// Mode holds permission bits passed to CREATE and MKDIR.
type Mode uint32

// Permission bits, named after their C constants.
const (
	SIRWXU Mode = 0o700
	SIRUSR Mode = 0o400
	SIWUSR Mode = 0o200
	SIXUSR Mode = 0o100
	SIRWXG Mode = 0o70
	SIRGRP Mode = 0o40
	SIWGRP Mode = 0o20
	SIXGRP Mode = 0o10
	SIRWXO Mode = 0o7
	SIROTH Mode = 0o4
	SIWOTH Mode = 0o2
	SIXOTH Mode = 0o1
	SISUID Mode = 0o4000
	SISGID Mode = 0o2000
	SISVTX Mode = 0o1000
)

var modeNames = []struct {
	bit  Mode
	name string
}{
	{SISUID, "S_ISUID"}, {SISGID, "S_ISGID"}, {SISVTX, "S_ISVTX"},
	{SIRWXU, "S_IRWXU"}, {SIRUSR, "S_IRUSR"}, {SIWUSR, "S_IWUSR"}, {SIXUSR, "S_IXUSR"},
	{SIRWXG, "S_IRWXG"}, {SIRGRP, "S_IRGRP"}, {SIWGRP, "S_IWGRP"}, {SIXGRP, "S_IXGRP"},
	{SIRWXO, "S_IRWXO"}, {SIROTH, "S_IROTH"}, {SIWOTH, "S_IWOTH"}, {SIXOTH, "S_IXOTH"},
}

// Modes are the permission combinations the generator draws from.
var Modes = []Mode{
	0,
	SIRWXU,
	SIRWXU | SIRWXG | SIROTH | SIXOTH,
	SIRUSR | SIWUSR,
	SIRUSR | SIWUSR | SIRGRP | SIROTH,
	SIRWXU | SIRWXG | SIRWXO,
	SIRWXU | SISVTX,
	SIRUSR | SIXUSR | SISGID,
	SIRWXU | SISUID,
}

// CFlags renders m as an expression of C permission constants, "0" if empty.
// Group masks (S_IRWXU...) are preferred over their component bits.
func (m Mode) CFlags() string {
	var parts []string
	rest := m
	for _, n := range modeNames {
		if rest&n.bit == n.bit {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, " | ")
}
