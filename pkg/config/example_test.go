package config_test

import (
	"context"
	"fmt"
	"log"

	"github.com/snapcrab/snapcrab/pkg/config"
)

// ExampleParser_ParseInline shows snapshot types being filled in from the kind.
func ExampleParser_ParseInline() {
	parser, err := config.NewParser()
	if err != nil {
		log.Fatal(err)
	}

	parsed, err := parser.ParseInline(context.Background(), `
_zone: "europe-west1-b"
items: [for d in ["data", "logs"] {
	kind: "disk"
	snapshot: name: "\(d)-nightly"
	target: {project: "proj", location: _zone, name: d}
}]
`)
	if err != nil {
		log.Fatal(err)
	}
	if err := parsed.Err(); err != nil {
		log.Fatal(err)
	}

	for _, item := range parsed.Request.Items {
		fmt.Println(item.Target.Name, item.Snapshot.Name, item.Snapshot.Type)
	}
	// Output:
	// data data-nightly disk_snapshot
	// logs logs-nightly disk_snapshot
}
