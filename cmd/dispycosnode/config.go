package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the start command's flags for the optional
// -f/--config YAML file; any flag the operator sets explicitly on the
// command line overrides the value loaded from this file.
type fileConfig struct {
	CPUs             int      `yaml:"cpus"`
	Name             string   `yaml:"name"`
	Dest             string   `yaml:"dest"`
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	NodePorts        []int    `yaml:"node_ports"`
	UDPPort          int      `yaml:"udp_port"`
	CertFile         string   `yaml:"cert_file"`
	KeyFile          string   `yaml:"key_file"`
	CAFile           string   `yaml:"ca_file"`
	MsgTimeout       int      `yaml:"msg_timeout"`
	MinPulseInterval int      `yaml:"min_pulse_interval"`
	MaxPulseInterval int      `yaml:"max_pulse_interval"`
	ZombiePeriod     int      `yaml:"zombie_period"`
	PingInterval     int      `yaml:"ping_interval"`
	Serve            int      `yaml:"serve"`
	ServiceStart     string   `yaml:"service_start"`
	ServiceStop      string   `yaml:"service_stop"`
	ServiceEnd       string   `yaml:"service_end"`
	Multicast        bool     `yaml:"ipv4_udp_multicast"`
	Peers            []string `yaml:"peers"`
	Clean            bool     `yaml:"clean"`
}

// registerNodeConfigFlags attaches every flag buildNodeConfig reads to
// cmd, shared by the start command and any future command that needs
// to assemble a types.NodeConfig.
func registerNodeConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "f", "", "YAML config file; explicit flags override its values")
	cmd.Flags().Int("cpus", 0, "CPU slots to advertise: 0 = all detected, >0 = exactly N, <0 = detected minus N")
	cmd.Flags().String("name", "", "Node name advertised to schedulers (default: dispycos_node)")
	cmd.Flags().String("dest", "./dispycosnode-data", "Scratch and instance-state root directory")
	cmd.Flags().String("host", "0.0.0.0", "Address the control endpoint and worker slots bind to")
	cmd.Flags().Int("port", 51347, "Control endpoint port; worker slots default to sequential ports above it")
	cmd.Flags().IntSlice("node-ports", nil, "Explicit ports for [control, slot1, slot2, ...]; overrides sequential default")
	cmd.Flags().Int("udp-port", 51348, "UDP discovery broadcast port")
	cmd.Flags().String("cert-file", "", "TLS certificate file")
	cmd.Flags().String("key-file", "", "TLS key file")
	cmd.Flags().String("ca-file", "", "TLS CA file")
	cmd.Flags().Duration("msg-timeout", 10*time.Second, "Fabric delivery timeout")
	cmd.Flags().Duration("min-pulse-interval", 5*time.Second, "Lower bound applied to a client's requested pulse interval")
	cmd.Flags().Duration("max-pulse-interval", 10*time.Minute, "Upper bound applied to a client's requested pulse interval")
	cmd.Flags().Duration("zombie-period", 0, "Busy-time lag after which a slot is treated as a zombie (0 disables detection)")
	cmd.Flags().Duration("ping-interval", 0, "Discovery rebroadcast cadence while the service window is open (0 disables)")
	cmd.Flags().Int("serve", -1, "Reservations to serve before shutting down; -1 for unlimited")
	cmd.Flags().String("service-start", "", "Daily admission window start, HH:MM local time")
	cmd.Flags().String("service-stop", "", "Daily graceful-close time, HH:MM local time")
	cmd.Flags().String("service-end", "", "Daily force-evict time, HH:MM local time")
	cmd.Flags().Bool("ipv4-udp-multicast", false, "Use IPv4 multicast for discovery instead of broadcast")
	cmd.Flags().StringSlice("peers", nil, "host:port bootstrap list of known schedulers")
	cmd.Flags().Bool("clean", false, "Kill a prior node instance found in the data directory before starting")
}

// buildNodeConfig assembles a types.NodeConfig from cmd's flags,
// merging underneath them the contents of the file named by --config
// when one was given: a flag the operator actually set always wins
// over the file's value.
func buildNodeConfig(cmd *cobra.Command) (types.NodeConfig, error) {
	var fc fileConfig
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return types.NodeConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return types.NodeConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	str := func(flag string, fileVal string) string {
		if cmd.Flags().Changed(flag) || fileVal == "" {
			v, _ := cmd.Flags().GetString(flag)
			if v != "" || fileVal == "" {
				return v
			}
		}
		return fileVal
	}
	intv := func(flag string, fileVal int) int {
		if cmd.Flags().Changed(flag) || fileVal == 0 {
			v, _ := cmd.Flags().GetInt(flag)
			return v
		}
		return fileVal
	}
	dur := func(flag string, fileValSeconds int) time.Duration {
		if cmd.Flags().Changed(flag) || fileValSeconds == 0 {
			v, _ := cmd.Flags().GetDuration(flag)
			return v
		}
		return time.Duration(fileValSeconds) * time.Second
	}
	boolv := func(flag string, fileVal bool) bool {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetBool(flag)
			return v
		}
		return fileVal
	}
	strs := func(flag string, fileVal []string) []string {
		if cmd.Flags().Changed(flag) || len(fileVal) == 0 {
			v, _ := cmd.Flags().GetStringSlice(flag)
			return v
		}
		return fileVal
	}

	requested := intv("cpus", fc.CPUs)
	numCPUs := resolveCPUs(requested)

	port := intv("port", fc.Port)
	explicitPorts, _ := cmd.Flags().GetIntSlice("node-ports")
	nodePorts := fc.NodePorts
	if cmd.Flags().Changed("node-ports") {
		nodePorts = explicitPorts
	}
	nodePorts = derivePorts(port, numCPUs, nodePorts)

	serviceStart, err := parseClock(str("service-start", fc.ServiceStart))
	if err != nil {
		return types.NodeConfig{}, err
	}
	serviceStop, err := parseClock(str("service-stop", fc.ServiceStop))
	if err != nil {
		return types.NodeConfig{}, err
	}
	serviceEnd, err := parseClock(str("service-end", fc.ServiceEnd))
	if err != nil {
		return types.NodeConfig{}, err
	}

	cfg := types.NodeConfig{
		NumCPUs:          numCPUs,
		NodePorts:        nodePorts,
		UDPPort:          intv("udp-port", fc.UDPPort),
		Name:             str("name", fc.Name),
		DestPath:         str("dest", fc.Dest),
		CertFile:         str("cert-file", fc.CertFile),
		KeyFile:          str("key-file", fc.KeyFile),
		CAFile:           str("ca-file", fc.CAFile),
		MsgTimeout:       dur("msg-timeout", fc.MsgTimeout),
		MinPulseInterval: dur("min-pulse-interval", fc.MinPulseInterval),
		MaxPulseInterval: dur("max-pulse-interval", fc.MaxPulseInterval),
		ZombiePeriod:     dur("zombie-period", fc.ZombiePeriod),
		PingInterval:     dur("ping-interval", fc.PingInterval),
		ServeCount:       intv("serve", fc.Serve),
		ServiceStart:     serviceStart,
		ServiceStop:      serviceStop,
		ServiceEnd:       serviceEnd,
		IPv4UDPMulticast: boolv("ipv4-udp-multicast", fc.Multicast),
		Peers:            strs("peers", fc.Peers),
		Clean:            boolv("clean", fc.Clean),
	}
	return cfg, nil
}

// resolveCPUs turns the operator's --cpus value into an actual slot
// count: 0 means every detected CPU, a positive value is taken
// literally, and a negative value reserves that many CPUs for the
// host itself.
func resolveCPUs(requested int) int {
	detected := runtime.NumCPU()
	switch {
	case requested == 0:
		return detected
	case requested > 0:
		return requested
	default:
		n := detected + requested
		if n < 1 {
			n = 1
		}
		return n
	}
}

// derivePorts returns the [control, slot1, ..., slotN] port list: the
// operator's explicit list if it's the right length, else sequential
// ports starting at controlPort.
func derivePorts(controlPort, numCPUs int, explicit []int) []int {
	if len(explicit) == numCPUs+1 {
		return explicit
	}
	ports := make([]int, numCPUs+1)
	for i := range ports {
		ports[i] = controlPort + i
	}
	return ports
}

// parseClock parses an HH:MM wall-clock time of day. An empty string
// means no service window was configured.
func parseClock(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM time %q: %w", s, err)
	}
	return t, nil
}
