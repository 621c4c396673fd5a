package rpc

// Procedure names shared by both sides of a rack/region connection.
const (
	ProcIdentify                    = "Identify"
	ProcAuthenticate                = "Authenticate"
	ProcPing                        = "Ping"
	ProcRegisterRackController      = "RegisterRackController"
	ProcDescribePowerTypes          = "DescribePowerTypes"
	ProcPowerQuery                  = "PowerQuery"
	ProcSetBootOrder                = "SetBootOrder"
	ProcScanNetworks                = "ScanNetworks"
	ProcAddChassis                  = "AddChassis"
	ProcDiscoverPodProjects         = "DiscoverPodProjects"
	ProcDiscoverPod                 = "DiscoverPod"
	ProcSendPodCommissioningResults = "SendPodCommissioningResults"
	ProcComposeMachine              = "ComposeMachine"
	ProcDecomposeMachine            = "DecomposeMachine"
	ProcDisableAndShutoffRackd      = "DisableAndShutoffRackd"
	ProcCheckIPs                    = "CheckIPs"
)

type IdentifyResponse struct {
	Ident string `cbor:"ident"`
}

type AuthenticateRequest struct {
	Message []byte `cbor:"message"`
}

type AuthenticateResponse struct {
	Digest []byte `cbor:"digest"`
	Salt   []byte `cbor:"salt"`
}

type Interface struct {
	Type       string   `cbor:"type"`
	MACAddress string   `cbor:"mac_address,omitempty"`
	Links      []string `cbor:"links,omitempty"`
	Enabled    bool     `cbor:"enabled"`
}

type RegisterRequest struct {
	SystemID      string               `cbor:"system_id,omitempty"`
	Hostname      string               `cbor:"hostname"`
	Interfaces    map[string]Interface `cbor:"interfaces"`
	URL           string               `cbor:"url"`
	Version       string               `cbor:"version,omitempty"`
	BeaconSupport bool                 `cbor:"beacon_support"`
}

type RegisterResponse struct {
	SystemID                    string `cbor:"system_id"`
	Hostname                    string `cbor:"hostname,omitempty"`
	Version                     string `cbor:"version,omitempty"`
	UUID                        string `cbor:"uuid,omitempty"`
	EncryptedClusterCertificate []byte `cbor:"encrypted_cluster_certificate,omitempty"`
}

type DescribePowerTypesResponse struct {
	PowerTypes []PowerTypeSchema `cbor:"power_types"`
}

type PowerTypeSchema struct {
	Name        string   `cbor:"name"`
	Description string   `cbor:"description"`
	Fields      []string `cbor:"fields,omitempty"`
}

type PowerQueryRequest struct {
	SystemID  string         `cbor:"system_id"`
	Hostname  string         `cbor:"hostname"`
	PowerType string         `cbor:"power_type"`
	Context   map[string]any `cbor:"context"`
}

type PowerQueryResponse struct {
	State    string `cbor:"state"`
	ErrorMsg string `cbor:"error_msg,omitempty"`
}

type SetBootOrderRequest struct {
	SystemID  string         `cbor:"system_id"`
	Hostname  string         `cbor:"hostname"`
	PowerType string         `cbor:"power_type"`
	Context   map[string]any `cbor:"context"`
	Order     []string       `cbor:"order"`
}

type ScanNetworksRequest struct {
	ScanAll   bool     `cbor:"scan_all,omitempty"`
	CIDRs     []string `cbor:"cidrs,omitempty"`
	Interface string   `cbor:"interface,omitempty"`
	ForcePing bool     `cbor:"force_ping,omitempty"`
	Slow      bool     `cbor:"slow,omitempty"`
	Threads   int      `cbor:"threads,omitempty"`
}

type AddChassisRequest struct {
	User        string         `cbor:"user"`
	ChassisType string         `cbor:"chassis_type"`
	Hostname    string         `cbor:"hostname"`
	Username    string         `cbor:"username,omitempty"`
	Password    string         `cbor:"password,omitempty"`
	Context     map[string]any `cbor:"context,omitempty"`
}

type PodRequest struct {
	Type    string         `cbor:"type"`
	Context map[string]any `cbor:"context"`
	PodID   int64          `cbor:"pod_id,omitempty"`
	Name    string         `cbor:"name,omitempty"`
}

type DiscoverPodProjectsResponse struct {
	Projects []string `cbor:"projects"`
}

type DiscoverPodResponse struct {
	Pod map[string]any `cbor:"pod"`
}

type PodCommissioningResultsRequest struct {
	PodID   int64          `cbor:"pod_id"`
	Name    string         `cbor:"name"`
	Results map[string]any `cbor:"results"`
}

type ComposeMachineRequest struct {
	Type    string         `cbor:"type"`
	Context map[string]any `cbor:"context"`
	Request map[string]any `cbor:"request"`
	PodID   int64          `cbor:"pod_id"`
	Name    string         `cbor:"name"`
}

type ComposeMachineResponse struct {
	Machine map[string]any `cbor:"machine"`
	Hints   map[string]any `cbor:"hints"`
}

type DecomposeMachineResponse struct {
	Hints map[string]any `cbor:"hints"`
}

type CheckIPsRequest struct {
	IPAddresses []string `cbor:"ip_addresses"`
}

type CheckIPsResponse struct {
	IPAddresses []IPResult `cbor:"ip_addresses"`
}

type IPResult struct {
	IPAddress  string `cbor:"ip_address"`
	Used       bool   `cbor:"used"`
	Interface  string `cbor:"interface,omitempty"`
	MACAddress string `cbor:"mac_address,omitempty"`
}
