package arm

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	azarm "github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute"
	"github.com/go-logr/logr"
)

type staticCredential struct{}

func (staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// routeTransport answers ARM requests by URL path suffix.
type routeTransport struct {
	t      *testing.T
	routes map[string]fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func (rt routeTransport) Do(req *http.Request) (*http.Response, error) {
	for suffix, r := range rt.routes {
		if strings.HasSuffix(req.URL.Path, suffix) {
			return &http.Response{
				StatusCode: r.status,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       io.NopCloser(strings.NewReader(r.body)),
				Request:    req,
			}, nil
		}
	}
	rt.t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	return &http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(strings.NewReader("{}")),
		Request:    req,
	}, nil
}

func newTestVMClients(t *testing.T, routes map[string]fakeResponse) *Clients {
	t.Helper()
	opts := &azarm.ClientOptions{ClientOptions: policy.ClientOptions{
		Transport: routeTransport{t: t, routes: routes},
		Retry:     policy.RetryOptions{MaxRetries: -1},
	}}
	vms, err := armcompute.NewVirtualMachinesClient("sub", staticCredential{}, opts)
	if err != nil {
		t.Fatalf("NewVirtualMachinesClient: %v", err)
	}
	return &Clients{SubscriptionID: "sub", Logger: logr.Discard(), VirtualMachines: vms}
}

const vmListBody = `{"value": [
  {"id": "/subscriptions/sub/resourceGroups/rg1/providers/Microsoft.Compute/virtualMachines/exit1", "name": "exit1", "location": "eastus"},
  {"id": "/subscriptions/sub/resourceGroups/rg2/providers/Microsoft.Compute/virtualMachines/gone", "name": "gone", "location": "westus"}
]}`

func TestListVMs_SkipsPowerStateOfDeletedVM(t *testing.T) {
	c := newTestVMClients(t, map[string]fakeResponse{
		"/providers/Microsoft.Compute/virtualMachines": {http.StatusOK, vmListBody},
		"/virtualMachines/exit1/instanceView": {http.StatusOK,
			`{"statuses": [{"code": "ProvisioningState/succeeded"}, {"code": "PowerState/running"}]}`},
		"/virtualMachines/gone/instanceView": {http.StatusNotFound,
			`{"error": {"code": "ResourceNotFound", "message": "The Resource was not found."}}`},
	})

	vms, err := c.ListVMs(context.Background())
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(vms) != 2 {
		t.Fatalf("expected 2 VMs, got %d", len(vms))
	}
	if vms[0].Name != "exit1" || vms[0].PowerState != "running" {
		t.Errorf("unexpected first VM %+v", vms[0])
	}
	if vms[1].Name != "gone" || vms[1].ResourceGroup != "rg2" || vms[1].PowerState != "" {
		t.Errorf("expected deleted VM listed without power state, got %+v", vms[1])
	}
}

func TestListVMs_InstanceViewError(t *testing.T) {
	c := newTestVMClients(t, map[string]fakeResponse{
		"/providers/Microsoft.Compute/virtualMachines": {http.StatusOK, vmListBody},
		"/virtualMachines/exit1/instanceView": {http.StatusForbidden,
			`{"error": {"code": "AuthorizationFailed", "message": "denied"}}`},
	})

	_, err := c.ListVMs(context.Background())
	if err == nil || !strings.Contains(err.Error(), "get instance view of exit1") {
		t.Fatalf("expected instance view error, got %v", err)
	}
}
