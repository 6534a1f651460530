package nodelink

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glycerine/ipaddr"
)

// PeerIdentity names the remote node a Connection talks
// to. It never changes after NewConnection.
type PeerIdentity struct {
	Name     string
	Cookie   string
	LongName bool
}

func (p PeerIdentity) String() string {
	kind := "short"
	if p.LongName {
		kind = "long"
	}
	return fmt.Sprintf("PeerIdentity{Name:'%v', Cookie:'%v', %v names}", p.Name, truncCookie(p.Cookie), kind)
}

var lastLocalName atomic.Uint64

// LocalNodeName returns a fresh local node name of the
// form prefix_<hex time>_<n>@host. The counter keeps names
// made in the same millisecond apart.
func LocalNodeName(prefix string, longName bool) string {
	n := lastLocalName.Add(1)
	return fmt.Sprintf("%v_%v_%v@%v", prefix, timeSuffix(time.Now()), n, HostName(longName))
}

func timeSuffix(tm time.Time) string {
	return fmt.Sprintf("%x", tm.UnixMilli()&0xFFFFFFF)
}

// HostName is the host part of local node names. Short
// names use the first label of the host name; long names
// use the full host name when it has a dot, and the
// external IP address otherwise.
func HostName(longName bool) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		h = "localhost"
	}
	if !longName {
		if i := strings.IndexByte(h, '.'); i > 0 {
			h = h[:i]
		}
		return h
	}
	if strings.Contains(h, ".") {
		return h
	}
	return ipaddr.GetExternalIP()
}

// truncCookie shows at most 7 characters of a cookie.
func truncCookie(cookie string) string {
	if len(cookie) > 7 {
		return cookie[:7] + "..."
	}
	return cookie
}
