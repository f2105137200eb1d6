package linode

import (
	"encoding/base64"
	"fmt"

	"gopkg.in/yaml.v3"
)

// httpPortOffset separates the HTTP proxy entry port from the SOCKS5 port
// on the bootstrapped instance.
const httpPortOffset = 7000

// HTTPProxyPort returns the HTTP proxy entry port paired with the given
// SOCKS5 port.
func HTTPProxyPort(socksPort int) int {
	return socksPort + httpPortOffset
}

type cloudConfig struct {
	Packages   []string    `yaml:"packages"`
	WriteFiles []cloudFile `yaml:"write_files"`
	RunCmd     []string    `yaml:"runcmd"`
}

type cloudFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions,omitempty"`
}

const dantedConfTemplate = `logoutput: syslog
internal: 0.0.0.0 port = %d
external: eth0
socksmethod: username
user.privileged: root
user.unprivileged: nobody
client pass {
	from: 0.0.0.0/0 to: 0.0.0.0/0
}
socks pass {
	from: 0.0.0.0/0 to: 0.0.0.0/0
	socksmethod: username
}
`

const tinyproxyConfTemplate = `Port %d
Listen 0.0.0.0
Timeout 600
MaxClients 64
BasicAuth %s %s
`

// UserData builds the base64-encoded cloud-init document that bootstraps
// the proxy instance: a danted SOCKS5 daemon authenticating against an OS
// user with the given credentials, a tinyproxy HTTP entry on the paired
// port, and firewall openings for both.
func UserData(port int, username, password string) (string, error) {
	httpPort := HTTPProxyPort(port)

	doc := cloudConfig{
		Packages: []string{"dante-server", "tinyproxy", "ufw"},
		WriteFiles: []cloudFile{
			{
				Path:    "/etc/danted.conf",
				Content: fmt.Sprintf(dantedConfTemplate, port),
			},
			{
				Path:        "/etc/tinyproxy/tinyproxy.conf",
				Content:     fmt.Sprintf(tinyproxyConfTemplate, httpPort, username, password),
				Permissions: "0600",
			},
		},
		RunCmd: []string{
			fmt.Sprintf("useradd --no-create-home --shell /usr/sbin/nologin %s", username),
			fmt.Sprintf("echo '%s:%s' | chpasswd", username, password),
			"systemctl enable danted",
			"systemctl restart danted",
			"systemctl enable tinyproxy",
			"systemctl restart tinyproxy",
			fmt.Sprintf("ufw allow %d/tcp", port),
			fmt.Sprintf("ufw allow %d/tcp", httpPort),
			"ufw allow ssh",
			"ufw --force enable",
		},
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("linode: encoding cloud-init: %w", err)
	}

	payload := append([]byte("#cloud-config\n"), body...)

	return base64.StdEncoding.EncodeToString(payload), nil
}
