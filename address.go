package chaski

import (
	"fmt"
	"net"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// AddressClass is the closed set of peer roles that can appear in a
// Chaski address.
type AddressClass string

const (
	ClassNode     AddressClass = "ChaskiNode"
	ClassStreamer AddressClass = "ChaskiStreamer"
	ClassRemote   AddressClass = "ChaskiRemote"
	ClassCA       AddressClass = "ChaskiCA"
)

func (c AddressClass) valid() bool {
	switch c {
	case ClassNode, ClassStreamer, ClassRemote, ClassCA:
		return true
	}
	return false
}

// Address is the canonical "<class>@<host>:<port>" peer identifier.
// Parsing and formatting are total functions over well-formed input;
// equality is plain string equality on the canonical form.
type Address struct {
	Class AddressClass
	Host  string
	Port  int

	// RequestPaired records whether the text form carried a leading '*',
	// which in user-facing connect() calls marks "pair immediately on
	// all overlapping topics, bypassing discovery" (spec.md §9b).
	RequestPaired bool
}

var addrRE = regexp.MustCompile(`^(\*?)([A-Za-z][A-Za-z0-9]*)@(.+):(\d+)$`)

// ParseAddress parses the canonical text form. It is the inverse of
// Address.String for any value String can produce.
func ParseAddress(s string) (Address, error) {
	m := addrRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Address{}, fmt.Errorf("chaski: malformed address %q", s)
	}
	class := AddressClass(m[2])
	if !class.valid() {
		return Address{}, fmt.Errorf("chaski: unknown address class %q in %q", class, s)
	}
	port, err := strconv.Atoi(m[4])
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("chaski: invalid port in %q", s)
	}
	return Address{
		Class:         class,
		Host:          m[3],
		Port:          port,
		RequestPaired: m[1] == "*",
	}, nil
}

// String formats the canonical "<class>@<host>:<port>" form. A leading
// '*' is emitted when RequestPaired is set, matching the connect()-time
// convention described in spec.md §6.
func (a Address) String() string {
	star := ""
	if a.RequestPaired {
		star = "*"
	}
	return fmt.Sprintf("%s%s@%s:%d", star, a.Class, a.Host, a.Port)
}

// Canonical is String with RequestPaired stripped, i.e. the form used as
// a map key and wire value — the '*' is a connect()-time directive only,
// never part of a peer's identity.
func (a Address) Canonical() string {
	a.RequestPaired = false
	return a.String()
}

func (a Address) Equal(b Address) bool {
	return a.Canonical() == b.Canonical()
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// the following two helpers are adapted directly from the teacher's own
// ipaddr.go (IsRoutableIPv4 / GetExternalIP). They are exported for
// callers that need a concrete address; Node.Listen does not call them
// and advertises Config.Host as given.

var validIPv4addr = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+\.[0-9]+$`)
var privateIPv4addr = regexp.MustCompile(`(^127\.0\.0\.1)|(^10\.)|(^172\.1[6-9]\.)|(^172\.2[0-9]\.)|(^172\.3[0-1]\.)|(^192\.168\.)`)

// IsRoutableIPv4 reports whether ip names a non-private IPv4 address.
func IsRoutableIPv4(ip string) bool {
	return privateIPv4addr.FindStringSubmatch(ip) == nil
}

// GetExternalIP tries to determine a usable external IPv4 address for
// this host, preferring a routable one when more than one candidate
// interface address is present.
func GetExternalIP() string {
	if runtime.GOOS == "windows" {
		return "127.0.0.1"
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	var valid []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		s := ipnet.IP.String()
		if validIPv4addr.MatchString(s) && s != "127.0.0.1" {
			valid = append(valid, s)
		}
	}
	switch len(valid) {
	case 0:
		return "127.0.0.1"
	case 1:
		return valid[0]
	default:
		for _, ip := range valid {
			if IsRoutableIPv4(ip) {
				return ip
			}
		}
		return valid[0]
	}
}
