// lora-serverctl is a read-only operator CLI for inspecting the network
// server's Postgres store: provisioned devices, LoRaWAN sessions, gateways,
// and Snap nodes.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	dsn     string
	rootCmd = &cobra.Command{
		Use:   "lora-serverctl",
		Short: "Network server database CLI",
		Long:  "Command-line tool for inspecting the LoRaWAN/Snap network server's Postgres store.",
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List provisioned devices",
		RunE:  listDevices,
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List LoRaWAN sessions",
		RunE:  listSessions,
	}

	gatewaysCmd = &cobra.Command{
		Use:   "gateways",
		Short: "List registered gateways",
		RunE:  listGateways,
	}

	snapNodesCmd = &cobra.Command{
		Use:   "snap-nodes",
		Short: "List provisioned Snap nodes",
		RunE:  listSnapNodes,
	}

	dataCmd = &cobra.Command{
		Use:   "data [device-id]",
		Short: "Show recently decoded device data",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showData,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw read-only SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dsn, "dsn", "d", "postgres://localhost/lora?sslmode=disable", "Postgres connection string")
	dataCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(gatewaysCmd)
	rootCmd.AddCommand(snapNodesCmd)
	rootCmd.AddCommand(dataCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func listDevices(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, name, transport, script_id, updated_at FROM devices ORDER BY updated_at DESC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tSCRIPT\tUPDATED")
	fmt.Fprintln(w, "--\t----\t---------\t------\t-------")

	for rows.Next() {
		var id int64
		var name, transport string
		var scriptID sql.NullInt64
		var updatedAt time.Time

		if err := rows.Scan(&id, &name, &transport, &scriptID, &updatedAt); err != nil {
			return err
		}

		scriptStr := "-"
		if scriptID.Valid {
			scriptStr = fmt.Sprintf("%d", scriptID.Int64)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", id, name, transport, scriptStr, updatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT n.device_id, n.dev_eui, n.dev_addr, n.region, n.join_type,
		       n.class_b, n.class_c, n.up_count, n.down_count, n.updated_at
		FROM device_lora_node n ORDER BY n.updated_at DESC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tDEV EUI\tDEV ADDR\tREGION\tJOIN\tCLASS\tUPCNT\tDOWNCNT\tUPDATED")
	fmt.Fprintln(w, "------\t-------\t--------\t------\t----\t-----\t-----\t-------\t-------")

	for rows.Next() {
		var deviceID int64
		var devEUI, region, joinType string
		var devAddr sql.NullString
		var classB, classC bool
		var upCount, downCount int64
		var updatedAt time.Time

		if err := rows.Scan(&deviceID, &devEUI, &devAddr, &region, &joinType, &classB, &classC, &upCount, &downCount, &updatedAt); err != nil {
			return err
		}

		addrStr := "-"
		if devAddr.Valid {
			addrStr = devAddr.String
		}
		classStr := classString(classB, classC)

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			deviceID, devEUI, addrStr, region, joinType, classStr, upCount, downCount,
			updatedAt.Format("01-02 15:04"))
	}
	w.Flush()
	return nil
}

func listGateways(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT eui, name, last_tmst, last_seen FROM device_lora_gate ORDER BY last_seen DESC NULLS LAST`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EUI\tNAME\tLAST TMST\tLAST SEEN")
	fmt.Fprintln(w, "---\t----\t---------\t---------")

	for rows.Next() {
		var eui, name string
		var lastTmst sql.NullInt64
		var lastSeen sql.NullTime

		if err := rows.Scan(&eui, &name, &lastTmst, &lastSeen); err != nil {
			return err
		}

		tmstStr, seenStr := "-", "-"
		if lastTmst.Valid {
			tmstStr = fmt.Sprintf("%d", lastTmst.Int64)
		}
		if lastSeen.Valid {
			seenStr = lastSeen.Time.Format("2006-01-02 15:04")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", eui, name, tmstStr, seenStr)
	}
	w.Flush()
	return nil
}

func listSnapNodes(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT s.device_id, s.node_id, d.name, s.updated_at
		FROM device_snap_node s JOIN devices d ON d.id = s.device_id
		ORDER BY s.updated_at DESC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNODE ID\tNAME\tUPDATED")
	fmt.Fprintln(w, "------\t-------\t----\t-------")

	for rows.Next() {
		var deviceID int64
		var nodeID, name string
		var updatedAt time.Time

		if err := rows.Scan(&deviceID, &nodeID, &name, &updatedAt); err != nil {
			return err
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", deviceID, nodeID, name, updatedAt.Format("01-02 15:04"))
	}
	w.Flush()
	return nil
}

func showData(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var query string
	var queryArgs []interface{}

	if len(args) > 0 {
		query = `SELECT device_id, received_at, port, decoded FROM device_data WHERE device_id = $1 ORDER BY received_at DESC LIMIT $2`
		queryArgs = []interface{}{args[0], limit}
	} else {
		query = `SELECT device_id, received_at, port, decoded FROM device_data ORDER BY received_at DESC LIMIT $1`
		queryArgs = []interface{}{limit}
	}

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tRECEIVED\tPORT\tDECODED")
	fmt.Fprintln(w, "------\t--------\t----\t-------")

	for rows.Next() {
		var deviceID int64
		var receivedAt time.Time
		var port sql.NullInt64
		var decoded sql.NullString

		if err := rows.Scan(&deviceID, &receivedAt, &port, &decoded); err != nil {
			return err
		}

		portStr := "-"
		if port.Valid {
			portStr = fmt.Sprintf("%d", port.Int64)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", deviceID, receivedAt.Format("01-02 15:04:05"), portStr, decoded.String)
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Network Server Statistics")
	fmt.Println("=========================")

	var deviceCount, loraCount, snapCount, gatewayCount, dataCount int
	db.QueryRow("SELECT COUNT(*) FROM devices").Scan(&deviceCount)
	db.QueryRow("SELECT COUNT(*) FROM device_lora_node").Scan(&loraCount)
	db.QueryRow("SELECT COUNT(*) FROM device_snap_node").Scan(&snapCount)
	db.QueryRow("SELECT COUNT(*) FROM device_lora_gate").Scan(&gatewayCount)
	db.QueryRow("SELECT COUNT(*) FROM device_data").Scan(&dataCount)

	fmt.Printf("Devices: %d (lorawan: %d, snap: %d)\n", deviceCount, loraCount, snapCount)
	fmt.Printf("Gateways: %d\n", gatewayCount)
	fmt.Printf("Decoded data rows: %d\n", dataCount)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}

func classString(classB, classC bool) string {
	switch {
	case classC:
		return "C"
	case classB:
		return "B"
	default:
		return "A"
	}
}
