package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	raven "github.com/getsentry/raven-go"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/ndlib/bundlestore/bundle"
	"github.com/ndlib/bundlestore/persistence"
	"github.com/ndlib/bundlestore/remote"
)

var (
	app        = kingpin.New("bundlectl", "Inspect and repair a bundle store.")
	configFile = app.Flag("config", "TOML configuration of the bundle store").Short('c').String()
	sentryDSN  = app.Flag("sentry", "Sentry DSN to report errors to").Envar("SENTRY_DSN").String()

	checkCmd       = app.Command("check", "Check parent and child links of stored bundles.")
	checkFix       = checkCmd.Flag("fix", "Remove child entries whose bundle is missing").Bool()
	checkRecursive = checkCmd.Flag("recursive", "Also check the descendants of the given ids").Bool()
	checkIDs       = checkCmd.Arg("id", "Node ids to check. All bundles are checked if none are given").Strings()

	dumpCmd = app.Command("dump", "Print the contents of a bundle.")
	dumpID  = dumpCmd.Arg("id", "Node id").Required().String()

	lsCmd   = app.Command("ls", "List the ids of stored bundles, in key order.")
	lsAfter = lsCmd.Flag("after", "Start after this node id").String()
	lsMax   = lsCmd.Flag("max", "Maximum number of ids to list").Default("100").Int()

	locateCmd       = app.Command("locate", "Find the address of a node on a remote repository.")
	locateRepo      = locateCmd.Flag("repo", "Base address of the repository").Required().String()
	locateWorkspace = locateCmd.Flag("workspace", "Workspace name").Default("default").String()
	locateUser      = locateCmd.Flag("user", "User name for the session").Default("bundlectl").String()
	locateID        = locateCmd.Arg("id", "Node id, e.g. a unique id or /a/b[2]").Required().String()
)

func main() {
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *sentryDSN != "" {
		raven.SetDSN(*sentryDSN)
	}

	var err error
	switch cmd {
	case checkCmd.FullCommand():
		err = withManager(docheck)
	case dumpCmd.FullCommand():
		err = withManager(dodump)
	case lsCmd.FullCommand():
		err = withManager(dols)
	case locateCmd.FullCommand():
		err = dolocate()
	}
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func withManager(f func(*persistence.Manager) error) error {
	cfg := persistence.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = persistence.LoadConfig(*configFile)
		if err != nil {
			return err
		}
	}
	// the command runs the check itself
	cfg.ConsistencyCheck = false
	m, err := persistence.New(cfg)
	if err != nil {
		return err
	}
	if err := m.Init(); err != nil {
		return err
	}
	defer m.Close()
	return f(m)
}

func parseIDs(args []string) ([]bundle.NodeID, error) {
	var ids []bundle.NodeID
	for _, s := range args {
		id, err := bundle.ParseNodeID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func docheck(m *persistence.Manager) error {
	ids, err := parseIDs(*checkIDs)
	if err != nil {
		return err
	}
	report, err := m.CheckConsistency(ids, *checkRecursive, *checkFix)
	if err != nil {
		return err
	}
	for _, e := range report.Events {
		fmt.Println(e)
	}
	fmt.Println(report)
	remaining := len(report.Events)
	if *checkFix {
		remaining -= report.Count(persistence.MissingChild)
	}
	if remaining > 0 {
		return fmt.Errorf("%d problems remain", remaining)
	}
	return nil
}

func dodump(m *persistence.Manager) error {
	id, err := bundle.ParseNodeID(*dumpID)
	if err != nil {
		return err
	}
	b, err := m.LoadBundle(id)
	if err != nil {
		return err
	}
	fmt.Printf("Id:       %s\n", b.ID)
	fmt.Printf("Parent:   %s\n", b.ParentID)
	fmt.Printf("Type:     %s\n", b.NodeType)
	fmt.Printf("Size:     %s\n", humanize.Bytes(uint64(b.Size)))
	fmt.Printf("ModCount: %d\n", b.ModCount)
	for _, mx := range b.Mixins {
		fmt.Printf("Mixin:    %s\n", mx)
	}

	var names []bundle.Name
	for name := range b.Properties {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "\nProperty\tType\tValues\n")
	for _, name := range names {
		p := b.Properties[name]
		for i, v := range p.Values {
			label := name.String()
			if i > 0 {
				label = ""
			}
			var blob string
			if i < len(p.BlobIDs) && p.BlobIDs[i] != "" {
				blob = " (" + p.BlobIDs[i] + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s%s\n", label, p.Type, abbrev(v.String()), blob)
		}
	}
	tw.Flush()

	fmt.Printf("\n%d children\n", len(b.Children))
	for _, c := range b.Children {
		fmt.Printf("    %s\t%s\n", c.ID, c.Name)
	}
	for _, s := range b.SharedSet {
		fmt.Printf("Shared with %s\n", s)
	}
	return nil
}

func abbrev(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func dols(m *persistence.Manager) error {
	var after *bundle.NodeID
	if *lsAfter != "" {
		id, err := bundle.ParseNodeID(*lsAfter)
		if err != nil {
			return err
		}
		after = &id
	}
	ids, err := m.AllNodeIDs(after, *lsMax)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func dolocate() error {
	id, err := remote.ParseNodeID(*locateID)
	if err != nil {
		return err
	}
	svc, err := remote.New(remote.Options{RepositoryURI: *locateRepo})
	if err != nil {
		return err
	}
	si, err := svc.Obtain(*locateUser, *locateWorkspace)
	if err != nil {
		return err
	}
	defer svc.Dispose(si)
	uri, err := svc.Resolver().NodeURI(si, id)
	if err != nil {
		return err
	}
	fmt.Println(uri)
	info, err := svc.ItemInfo(si, id)
	if err != nil {
		return err
	}
	fmt.Printf("Name: %s[%d]\nType: %s\nUUID: %s\n", info.Name, info.Index, info.PrimaryType, info.UniqueID)
	return nil
}
