// cmd/bastion-discover/main.go
//
// bastion-discover scans a network for SSH hosts and emits a payload for
// POST /api/servers/import. It drives nmap when available and can also
// consume a pre-recorded nmap XML file.
package main

import (
	"encoding/json"
	"encoding/xml"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// nmap XML structures, limited to what discovery needs.
type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Status    hostStatus `xml:"status"`
	Addresses []address  `xml:"address"`
	Hostnames []hostname `xml:"hostnames>hostname"`
	Ports     []port     `xml:"ports>port"`
}

type hostStatus struct {
	State string `xml:"state,attr"`
}

type address struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type hostname struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type port struct {
	Protocol string    `xml:"protocol,attr"`
	PortID   int       `xml:"portid,attr"`
	State    portState `xml:"state"`
}

type portState struct {
	State string `xml:"state,attr"`
}

// serverEntry matches one element of the import payload.
type serverEntry struct {
	Name     string `json:"name" yaml:"name"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	AuthType string `json:"auth_type" yaml:"auth_type"`
}

type importPayload struct {
	Servers []serverEntry `json:"servers" yaml:"servers"`
}

func main() {
	var (
		network  = flag.String("network", "", "CIDR network to scan (e.g., 192.168.1.0/24)")
		xmlFile  = flag.String("xml", "", "Use existing nmap XML file instead of scanning")
		output   = flag.String("output", "-", "Output file, or - for stdout")
		format   = flag.String("format", "json", "Output format: json or yaml")
		username = flag.String("username", "root", "SSH username for discovered servers")
		authType = flag.String("auth", "password", "Auth type for discovered servers: password or key")
		sshPort  = flag.Int("port", 22, "SSH port to scan for")
		nmapPath = flag.String("nmap", "/usr/bin/nmap", "Path to nmap binary")
		verbose  = flag.Bool("verbose", false, "Verbose output")
	)
	flag.Parse()

	switch *format {
	case "json", "yaml":
	default:
		log.Fatalf("unsupported format %q (want json or yaml)", *format)
	}
	switch *authType {
	case "password", "key":
	default:
		log.Fatalf("unsupported auth type %q (want password or key)", *authType)
	}

	if *network == "" && *xmlFile == "" {
		detected := detectLocalNetwork()
		if detected == "" {
			log.Fatal("No network specified and couldn't detect local network. Use -network flag.")
		}
		*network = detected
		fmt.Fprintf(os.Stderr, "Auto-detected network: %s\n", *network)
	}

	var nmapData []byte
	var err error

	if *xmlFile != "" {
		fmt.Fprintf(os.Stderr, "Reading nmap XML from: %s\n", *xmlFile)
		nmapData, err = os.ReadFile(*xmlFile)
		if err != nil {
			log.Fatalf("Failed to read XML file: %v", err)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Scanning network: %s\n", *network)
		nmapData, err = runNmapScan(*network, *nmapPath, *sshPort, *verbose)
		if err != nil {
			log.Fatalf("Failed to run nmap: %v", err)
		}
	}

	var run nmapRun
	if err := xml.Unmarshal(nmapData, &run); err != nil {
		log.Fatalf("Failed to parse nmap XML: %v", err)
	}

	payload := buildPayload(&run, *sshPort, *username, *authType)
	if len(payload.Servers) == 0 {
		log.Fatal("No SSH hosts discovered")
	}

	if err := writePayload(payload, *output, *format); err != nil {
		log.Fatalf("Failed to write payload: %v", err)
	}

	fmt.Fprintf(os.Stderr, "Discovered %d SSH hosts\n", len(payload.Servers))
}

func detectLocalNetwork() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				if ipnet.IP.IsGlobalUnicast() {
					return ipnet.String()
				}
			}
		}
	}
	return ""
}

func runNmapScan(network, nmapPath string, sshPort int, verbose bool) ([]byte, error) {
	args := []string{
		"--system-dns",
		"-oX", "-",
		"-p", strconv.Itoa(sshPort),
	}
	if verbose {
		args = append(args, "-v")
	}
	args = append(args, network)

	fmt.Fprintf(os.Stderr, "Running: %s %s\n", nmapPath, strings.Join(args, " "))

	cmd := exec.Command(nmapPath, args...)
	output, err := cmd.Output()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
				return nil, fmt.Errorf("nmap exited with status %d", status.ExitStatus())
			}
		}
		return nil, fmt.Errorf("nmap execution failed: %v", err)
	}

	return output, nil
}

func buildPayload(run *nmapRun, sshPort int, username, authType string) *importPayload {
	payload := &importPayload{}

	for _, host := range run.Hosts {
		if host.Status.State != "up" {
			continue
		}

		var ipv4, name string
		for _, addr := range host.Addresses {
			if addr.AddrType == "ipv4" {
				ipv4 = addr.Addr
				break
			}
		}
		if ipv4 == "" {
			continue
		}

		sshOpen := false
		for _, p := range host.Ports {
			if p.PortID == sshPort && p.State.State == "open" {
				sshOpen = true
				break
			}
		}
		if !sshOpen {
			continue
		}

		for _, hn := range host.Hostnames {
			if hn.Type == "PTR" || hn.Type == "user" {
				name = strings.Split(hn.Name, ".")[0]
				break
			}
		}
		if name == "" {
			name = hostNameFromIP(ipv4)
		}

		payload.Servers = append(payload.Servers, serverEntry{
			Name:     name,
			Host:     ipv4,
			Port:     sshPort,
			Username: username,
			AuthType: authType,
		})
	}

	sort.Slice(payload.Servers, func(i, j int) bool {
		return payload.Servers[i].Host < payload.Servers[j].Host
	})
	return payload
}

func hostNameFromIP(ipv4 string) string {
	parts := strings.Split(ipv4, ".")
	if len(parts) == 4 {
		return fmt.Sprintf("host-%s", parts[3])
	}
	return fmt.Sprintf("host-%s", strings.ReplaceAll(ipv4, ".", "-"))
}

func writePayload(payload *importPayload, filename, format string) error {
	var data []byte
	var err error

	switch format {
	case "yaml":
		data, err = yaml.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		header := fmt.Sprintf("# Bastion server import payload\n# Generated by bastion-discover on %s\n\n",
			time.Now().Format("2006-01-02 15:04:05"))
		data = append([]byte(header), data...)
	default:
		data, err = json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		data = append(data, '\n')
	}

	if filename == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
