package tool

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const (
	ToolLoadClientByFullname          = "load_from_crm_by_client_fullname"
	ToolLoadClientByID                = "load_from_crm_by_client_id"
	ToolLoadInsuranceClientByFullname = "load_insurance_client_by_fullname"
	ToolLoadInsuranceClientByID       = "load_insurance_client_by_id"
	ToolGetClientPolicyDetails        = "get_client_policy_details"
)

//go:embed data/banking_clients.json
var bankingClientsJSON []byte

//go:embed data/insurance_clients.json
var insuranceClientsJSON []byte

var (
	bankingClientFields = []string{
		"id", "clientID", "fullName", "firstName", "lastName", "dateOfBirth", "nationality",
		"contactDetails", "address", "financialInformation", "investmentProfile",
		"declared_source_of_wealth", "portfolio",
	}
	insuranceClientFields = []string{
		"id", "clientID", "fullName", "firstName", "lastName", "dateOfBirth", "nationality",
		"contactDetails", "address", "policies",
	}
)

type CRMConfig struct {
	DataPath          string `envconfig:"DATA_PATH" split_words:"true"`
	InsuranceDataPath string `envconfig:"INSURANCE_DATA_PATH" split_words:"true"`
}

// ClientDirectory is a read-only set of CRM client records.
type ClientDirectory struct {
	records []map[string]any
}

func BankingClients(path string) (*ClientDirectory, error) {
	return loadClientDirectory(path, bankingClientsJSON)
}

func InsuranceClients(path string) (*ClientDirectory, error) {
	return loadClientDirectory(path, insuranceClientsJSON)
}

func loadClientDirectory(path string, embedded []byte) (*ClientDirectory, error) {
	raw := embedded
	if p := strings.TrimSpace(path); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read crm data file: %w", err)
		}
		raw = data
	}
	return ParseClientDirectory(raw)
}

// ParseClientDirectory accepts a JSON array of clients or a single client object.
func ParseClientDirectory(raw []byte) (*ClientDirectory, error) {
	raw = bytes.TrimSpace(raw)
	var records []map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		var single map[string]any
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("invalid JSON format in CRM data: %w", err)
		}
		records = append(records, single)
	} else if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("invalid JSON format in CRM data: %w", err)
	}
	return &ClientDirectory{records: records}, nil
}

func (d *ClientDirectory) ByFullName(fullName string) (map[string]any, bool) {
	want := strings.ToLower(strings.TrimSpace(fullName))
	for _, r := range d.records {
		name, _ := r["fullName"].(string)
		if strings.ToLower(name) == want {
			return r, true
		}
	}
	return nil, false
}

// ByID matches either the clientID or the id field.
func (d *ClientDirectory) ByID(id string) (map[string]any, bool) {
	id = strings.TrimSpace(id)
	for _, r := range d.records {
		if fmt.Sprint(r["clientID"]) == id || fmt.Sprint(r["id"]) == id {
			return r, true
		}
	}
	return nil, false
}

func project(record map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f] = record[f]
	}
	return out
}

func NewBankingCRMTools(dir *ClientDirectory) []Tool {
	return []Tool{
		NewFunctionTool(
			ToolLoadClientByFullname,
			"Load client data from the CRM by the client's full name.",
			map[string]*schema.ParameterInfo{
				"client_fullname": {Type: schema.String, Desc: "The full name of the client to search for", Required: true},
			},
			func(_ context.Context, args map[string]any) (any, error) {
				name := StringArg(args, "client_fullname")
				record, ok := dir.ByFullName(name)
				if !ok {
					return nil, NewError(CodeNotFound, "Client with full name '%s' not found in CRM", name)
				}
				return map[string]any{"status": "success", "client": project(record, bankingClientFields)}, nil
			},
		),
		NewFunctionTool(
			ToolLoadClientByID,
			"Load client data from the CRM by client ID.",
			map[string]*schema.ParameterInfo{
				"client_id": {Type: schema.String, Desc: "The client ID to search for", Required: true},
			},
			func(_ context.Context, args map[string]any) (any, error) {
				id := StringArg(args, "client_id")
				record, ok := dir.ByID(id)
				if !ok {
					return nil, NewError(CodeNotFound, "Client with ID '%s' not found in CRM", id)
				}
				return map[string]any{"status": "success", "client": project(record, bankingClientFields)}, nil
			},
		),
	}
}

func NewInsuranceCRMTools(dir *ClientDirectory) []Tool {
	return []Tool{
		NewFunctionTool(
			ToolLoadInsuranceClientByFullname,
			"Load insurance client data, including policies, from the CRM by full name.",
			map[string]*schema.ParameterInfo{
				"client_fullname": {Type: schema.String, Desc: "The full name of the client to search for", Required: true},
			},
			func(_ context.Context, args map[string]any) (any, error) {
				name := StringArg(args, "client_fullname")
				record, ok := dir.ByFullName(name)
				if !ok {
					return nil, NewError(CodeNotFound, "Insurance client with full name '%s' not found in CRM", name)
				}
				return map[string]any{"status": "success", "client": project(record, insuranceClientFields)}, nil
			},
		),
		NewFunctionTool(
			ToolLoadInsuranceClientByID,
			"Load insurance client data, including policies, from the CRM by client ID.",
			map[string]*schema.ParameterInfo{
				"client_id": {Type: schema.String, Desc: "The client ID to search for", Required: true},
			},
			func(_ context.Context, args map[string]any) (any, error) {
				id := StringArg(args, "client_id")
				record, ok := dir.ByID(id)
				if !ok {
					return nil, NewError(CodeNotFound, "Insurance client with ID '%s' not found in CRM", id)
				}
				return map[string]any{"status": "success", "client": project(record, insuranceClientFields)}, nil
			},
		),
		NewFunctionTool(
			ToolGetClientPolicyDetails,
			"Get the details of one policy held by an insurance client.",
			map[string]*schema.ParameterInfo{
				"client_id": {Type: schema.String, Desc: "The client ID to search for", Required: true},
				"policy_no": {Type: schema.String, Desc: "The policy number to retrieve details for", Required: true},
			},
			func(_ context.Context, args map[string]any) (any, error) {
				id := StringArg(args, "client_id")
				policyNo := StringArg(args, "policy_no")
				record, ok := dir.ByID(id)
				if !ok {
					return nil, NewError(CodeNotFound, "Insurance client with ID '%s' not found in CRM", id)
				}
				policies, _ := record["policies"].([]any)
				for _, p := range policies {
					policy, _ := p.(map[string]any)
					if fmt.Sprint(policy["PolicyNo"]) == policyNo {
						return map[string]any{
							"status": "success",
							"client": map[string]any{"id": record["id"], "fullName": record["fullName"]},
							"policy": policy,
						}, nil
					}
				}
				return nil, NewError(CodeNotFound, "Policy number '%s' not found for client '%s'", policyNo, id)
			},
		),
	}
}
