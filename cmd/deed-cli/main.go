package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"deedchain/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("DEED_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey()
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getBalance(args[1])
	case "mint":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a caller address and a metadata URI.")
			printUsage()
			return
		}
		mintAsset(args[1], args[2])
	case "approve":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a caller address, an asset id and a grantee.")
			printUsage()
			return
		}
		approveTransfer(args[1], mustAssetID(args[2]), args[3])
	case "transfer":
		if len(args) < 5 {
			fmt.Println("Error: Please provide a caller address, an asset id, a sender and a recipient.")
			printUsage()
			return
		}
		transferAsset(args[1], mustAssetID(args[2]), args[3], args[4])
	case "asset":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an asset id.")
			printUsage()
			return
		}
		getAsset(mustAssetID(args[1]))
	case "list":
		if len(args) < 6 {
			fmt.Println("Error: Please provide a caller address, an asset id, a buyer, a price and an earnest amount.")
			printUsage()
			return
		}
		listSale(args[1], mustAssetID(args[2]), args[3], args[4], args[5])
	case "deposit":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a caller address, an asset id and an amount.")
			printUsage()
			return
		}
		saleAmountOp("sale_depositEarnest", args[1], mustAssetID(args[2]), args[3])
	case "lend":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a caller address, an asset id and an amount.")
			printUsage()
			return
		}
		saleAmountOp("sale_lend", args[1], mustAssetID(args[2]), args[3])
	case "inspect":
		if len(args) < 4 {
			fmt.Println("Error: Please provide a caller address, an asset id and a pass/fail verdict.")
			printUsage()
			return
		}
		passed, err := strconv.ParseBool(args[3])
		if err != nil {
			fmt.Println("Error: Verdict must be true or false.")
			return
		}
		updateInspection(args[1], mustAssetID(args[2]), passed)
	case "approve-sale":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a caller address and an asset id.")
			printUsage()
			return
		}
		saleActorOp("sale_approve", args[1], mustAssetID(args[2]))
	case "finalize":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a caller address and an asset id.")
			printUsage()
			return
		}
		saleActorOp("sale_finalize", args[1], mustAssetID(args[2]))
	case "cancel":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a caller address and an asset id.")
			printUsage()
			return
		}
		saleActorOp("sale_cancel", args[1], mustAssetID(args[2]))
	case "sale":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an asset id.")
			printUsage()
			return
		}
		getSale(mustAssetID(args[1]))
	case "approval":
		if len(args) < 3 {
			fmt.Println("Error: Please provide an asset id and an address.")
			printUsage()
			return
		}
		getApproval(mustAssetID(args[1]), args[2])
	case "funds":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an asset id.")
			printUsage()
			return
		}
		getFunds(mustAssetID(args[1]))
	case "pool":
		getPoolBalance()
	case "roles":
		getRoles()
	case "events":
		getEvents()
	case "seed":
		if len(args) < 5 {
			fmt.Println("Error: Please provide a seller, a buyer, a price and an earnest amount.")
			printUsage()
			return
		}
		seed(args[1], args[2], args[3], args[4])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func mustAssetID(raw string) uint64 {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		fmt.Printf("Error: Invalid asset id %q.\n", raw)
		os.Exit(1)
	}
	return id
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	fileName := "wallet.key"
	if err := os.WriteFile(fileName, key.Bytes(), 0600); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", fileName, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", fileName)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. The node config references role addresses derived this way.")
}

func getBalance(addr string) {
	result, err := callRPC("deed_getBalance", map[string]interface{}{"address": addr}, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	var out struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
		Nonce   uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		fmt.Printf("Error decoding balance: %v\n", err)
		return
	}
	fmt.Printf("State for: %s\n", out.Address)
	fmt.Printf("  Balance: %s\n", out.Balance)
	fmt.Printf("  Nonce:   %d\n", out.Nonce)
}

func mintAsset(caller, uri string) {
	result, err := callRPC("registry_mint", map[string]interface{}{
		"caller": caller,
		"uri":    uri,
	}, true)
	if err != nil {
		fmt.Printf("Error minting asset: %v\n", err)
		return
	}
	printJSONResult(result)
}

func approveTransfer(caller string, assetID uint64, grantee string) {
	result, err := callRPC("registry_approve", map[string]interface{}{
		"caller":  caller,
		"assetId": assetID,
		"grantee": grantee,
	}, true)
	if err != nil {
		fmt.Printf("Error approving transfer: %v\n", err)
		return
	}
	printJSONResult(result)
}

func transferAsset(caller string, assetID uint64, from, to string) {
	result, err := callRPC("registry_transfer", map[string]interface{}{
		"caller":  caller,
		"assetId": assetID,
		"from":    from,
		"to":      to,
	}, true)
	if err != nil {
		fmt.Printf("Error transferring asset: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getAsset(assetID uint64) {
	result, err := callRPC("registry_get", map[string]interface{}{"assetId": assetID}, false)
	if err != nil {
		fmt.Printf("Error fetching asset: %v\n", err)
		return
	}
	printJSONResult(result)
}

func listSale(caller string, assetID uint64, buyer, price, earnest string) {
	result, err := callRPC("sale_list", map[string]interface{}{
		"caller":        caller,
		"assetId":       assetID,
		"buyer":         buyer,
		"purchasePrice": price,
		"earnestAmount": earnest,
	}, true)
	if err != nil {
		fmt.Printf("Error listing sale: %v\n", err)
		return
	}
	printJSONResult(result)
}

func saleAmountOp(method, caller string, assetID uint64, amount string) {
	result, err := callRPC(method, map[string]interface{}{
		"caller":  caller,
		"assetId": assetID,
		"amount":  amount,
	}, true)
	if err != nil {
		fmt.Printf("Error calling %s: %v\n", method, err)
		return
	}
	printJSONResult(result)
}

func updateInspection(caller string, assetID uint64, passed bool) {
	result, err := callRPC("sale_updateInspection", map[string]interface{}{
		"caller":  caller,
		"assetId": assetID,
		"passed":  passed,
	}, true)
	if err != nil {
		fmt.Printf("Error updating inspection: %v\n", err)
		return
	}
	printJSONResult(result)
}

func saleActorOp(method, caller string, assetID uint64) {
	result, err := callRPC(method, map[string]interface{}{
		"caller":  caller,
		"assetId": assetID,
	}, true)
	if err != nil {
		fmt.Printf("Error calling %s: %v\n", method, err)
		return
	}
	printJSONResult(result)
}

func getSale(assetID uint64) {
	result, err := callRPC("sale_get", map[string]interface{}{"assetId": assetID}, false)
	if err != nil {
		fmt.Printf("Error fetching sale: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getApproval(assetID uint64, addr string) {
	result, err := callRPC("sale_getApproval", map[string]interface{}{
		"assetId": assetID,
		"address": addr,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching approval: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getFunds(assetID uint64) {
	result, err := callRPC("sale_getFunds", map[string]interface{}{"assetId": assetID}, false)
	if err != nil {
		fmt.Printf("Error fetching sale funds: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getPoolBalance() {
	result, err := callRPC("sale_poolBalance", nil, false)
	if err != nil {
		fmt.Printf("Error fetching pool balance: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getRoles() {
	result, err := callRPC("deed_getRoles", nil, false)
	if err != nil {
		fmt.Printf("Error fetching roles: %v\n", err)
		return
	}
	printJSONResult(result)
}

func getEvents() {
	result, err := callRPC("deed_getEvents", nil, false)
	if err != nil {
		fmt.Printf("Error fetching events: %v\n", err)
		return
	}
	printJSONResult(result)
}

// seed mints a small catalogue of properties for the seller and opens a
// listing for each one against the given buyer and terms.
func seed(seller, buyer, price, earnest string) {
	for i := 1; i <= 3; i++ {
		uri := fmt.Sprintf("ipfs://property/%d.json", i)
		result, err := callRPC("registry_mint", map[string]interface{}{
			"caller": seller,
			"uri":    uri,
		}, true)
		if err != nil {
			fmt.Printf("Error minting %s: %v\n", uri, err)
			return
		}
		var asset struct {
			ID uint64 `json:"id"`
		}
		if err := json.Unmarshal(result, &asset); err != nil {
			fmt.Printf("Error decoding minted asset: %v\n", err)
			return
		}
		fmt.Printf("Minted asset %d (%s)\n", asset.ID, uri)

		if _, err := callRPC("sale_list", map[string]interface{}{
			"caller":        seller,
			"assetId":       asset.ID,
			"buyer":         buyer,
			"purchasePrice": price,
			"earnestAmount": earnest,
		}, true); err != nil {
			fmt.Printf("Error listing asset %d: %v\n", asset.ID, err)
			return
		}
		fmt.Printf("Listed asset %d for %s (earnest %s)\n", asset.ID, price, earnest)
	}
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires DEED_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printJSONResult(result json.RawMessage) {
	if len(result) == 0 {
		fmt.Println("No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}

func printUsage() {
	fmt.Println("Usage: deed-cli <command> [arguments]")
	fmt.Println()
	fmt.Println("Mutating commands require DEED_RPC_TOKEN to match the node's RPC token.")
	fmt.Println("The endpoint defaults to http://localhost:8080; override with RPC_URL or --rpc.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                        - Generates a new key and saves to wallet.key")
	fmt.Println("  balance <address>                                   - Shows the balance and nonce of an address")
	fmt.Println("  mint <caller> <uri>                                 - Mints a property deed with the given metadata URI")
	fmt.Println("  approve <caller> <asset_id> <grantee>               - Approves a one-shot transfer delegate")
	fmt.Println("  transfer <caller> <asset_id> <from> <to>            - Transfers a deed between holders")
	fmt.Println("  asset <asset_id>                                    - Shows a deed record")
	fmt.Println("  list <caller> <asset_id> <buyer> <price> <earnest>  - Opens a sale listing for a deed")
	fmt.Println("  deposit <caller> <asset_id> <amount>                - Deposits earnest money into a listing")
	fmt.Println("  lend <caller> <asset_id> <amount>                   - Contributes lender financing to a listing")
	fmt.Println("  inspect <caller> <asset_id> <true|false>            - Records the inspection verdict")
	fmt.Println("  approve-sale <caller> <asset_id>                    - Records a participant approval")
	fmt.Println("  finalize <caller> <asset_id>                        - Settles a fully approved sale")
	fmt.Println("  cancel <caller> <asset_id>                          - Cancels a listing and refunds the pool")
	fmt.Println("  sale <asset_id>                                     - Shows a sale listing")
	fmt.Println("  approval <asset_id> <address>                       - Shows whether an address has approved a sale")
	fmt.Println("  funds <asset_id>                                    - Shows the escrowed funds for a listing")
	fmt.Println("  pool                                                - Shows the total escrow pool balance")
	fmt.Println("  roles                                               - Shows the configured participant roles")
	fmt.Println("  events                                              - Dumps the node's event log")
	fmt.Println("  seed <seller> <buyer> <price> <earnest>             - Mints three sample properties and lists them")
}
