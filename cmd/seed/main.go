package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/models"
	"csms/internal/repo"
	"csms/internal/security"
)

func main() {
	serial := flag.String("serial", "", "charger serial to provision")
	connector := flag.Int("connector", 0, "connector id (0 for the aggregate row)")
	secret := flag.String("secret", "", "shared secret (stored hashed)")
	active := flag.Bool("active", true, "mark charger active")
	rfid := flag.Bool("rfid", false, "require a known RFID tag for authorization")
	vendor := flag.String("vendor", "", "vendor")
	model := flag.String("model", "", "model")
	export := flag.Bool("export", false, "forward this charger's traffic")
	forwardTo := flag.String("forward-to", "", "target node id for forwarding")

	nodeID := flag.String("node-id", "", "node id to register")
	nodeName := flag.String("node-name", "", "node display name")
	nodeURLs := flag.String("node-urls", "", "comma-separated candidate base URLs")
	nodeKey := flag.String("node-key", "", "path to the node's public key PEM")

	idTag := flag.String("id-tag", "", "RFID id tag to register")
	allowed := flag.Bool("allowed", true, "id tag may authorize")
	flag.Parse()

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	if *serial != "" {
		c := models.Charger{
			Serial:             *serial,
			Vendor:             *vendor,
			Model:              *model,
			IsActive:           *active,
			RequiresRFID:       *rfid,
			ExportTransactions: *export,
		}
		if *connector > 0 {
			c.ConnectorID = connector
		}
		if *secret != "" {
			c.SecretHash = security.HashSecretSHA256(*secret)
		}
		if *forwardTo != "" {
			c.ForwardedTo = forwardTo
		}
		if err := repo.NewChargersRepo(d.Pool).Provision(ctx, c); err != nil {
			log.Fatal(err)
		}
		log.Printf("provisioned charger %s", *serial)
	}

	if *nodeID != "" {
		var pem string
		if *nodeKey != "" {
			raw, err := os.ReadFile(*nodeKey)
			if err != nil {
				log.Fatal(err)
			}
			pem = string(raw)
		}
		n := models.Node{
			ID:           *nodeID,
			Name:         *nodeName,
			PublicKeyPEM: pem,
		}
		if *nodeURLs != "" {
			n.BaseURLs = strings.Split(*nodeURLs, ",")
		}
		if err := repo.NewNodesRepo(d.Pool).Upsert(ctx, n); err != nil {
			log.Fatal(err)
		}
		log.Printf("registered node %s", *nodeID)
	}

	if *idTag != "" {
		a := models.Account{IDTag: *idTag, Allowed: *allowed}
		if err := repo.NewAccountsRepo(d.Pool).Upsert(ctx, a); err != nil {
			log.Fatal(err)
		}
		log.Printf("registered id tag %s (allowed=%v)", *idTag, *allowed)
	}
}
