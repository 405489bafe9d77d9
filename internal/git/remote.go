package git

import (
	"regexp"
	"strings"
)

// Remote URL shapes. Host is captured and checked against the supported set;
// owner and repo must each be a single path segment.
var (
	remoteHTTPSRe = regexp.MustCompile(`^https://([^/]+)/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	remoteSSHRe   = regexp.MustCompile(`^git@([^:]+):([^/]+)/([^/]+?)(?:\.git)?$`)
	remoteGitRe   = regexp.MustCompile(`^git://([^/]+)/([^/]+)/([^/]+?)(?:\.git)?/?$`)
)

// ParseRemoteURL extracts {host, owner, name} from a remote URL when the
// host is in supportedHosts. Recognized shapes:
//
//	https://<host>/<owner>/<repo>[.git]
//	git@<host>:<owner>/<repo>[.git]
//	git://<host>/<owner>/<repo>[.git]
//
// Returns nil for anything else. Pure function, no I/O.
func ParseRemoteURL(url string, supportedHosts []string) *Remote {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}

	for _, re := range []*regexp.Regexp{remoteHTTPSRe, remoteSSHRe, remoteGitRe} {
		m := re.FindStringSubmatch(url)
		if m == nil {
			continue
		}
		host, owner, name := m[1], m[2], m[3]
		if owner == "" || name == "" || !hostSupported(host, supportedHosts) {
			return nil
		}
		return &Remote{Host: host, Owner: owner, Name: name}
	}

	return nil
}

func hostSupported(host string, supported []string) bool {
	for _, h := range supported {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}
