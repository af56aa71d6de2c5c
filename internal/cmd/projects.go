package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/activity"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/projects"
	"github.com/conductor-dev/conductor/internal/protocol"
	"github.com/conductor-dev/conductor/internal/style"
)

var discoverDepth int

var discoverCmd = &cobra.Command{
	Use:     "discover-projects [path]",
	GroupID: GroupProjects,
	Short:   "Find repositories and add them to the project index",
	Long: `Scan a path for repositories and merge new ones into the project index.

A path that is itself a repository (it has .git, go.mod, package.json and
similar markers) is added as one project. Otherwise it is treated as a
container and scanned up to --depth levels. Known paths are never added
twice. Defaults to the current directory.

Works without a daemon; when one is running it performs the merge so its
router sees the new projects immediately.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiscover,
}

var projectsCmd = &cobra.Command{
	Use:     "projects",
	GroupID: GroupProjects,
	Short:   "Inspect and edit the project index",
	RunE:    requireSubcommand,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectsList,
}

var projectsStatusCmd = &cobra.Command{
	Use:   "status <name> <active|idle|paused>",
	Short: "Set a project's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runProjectsStatus,
}

var projectsAliasCmd = &cobra.Command{
	Use:   "alias <name> <alias>",
	Short: "Add a routing alias to a project",
	Long: `Add an alternate name the router accepts for a project. Routing a message
to the alias starts (or reuses) a worker in that project.`,
	Args: cobra.ExactArgs(2),
	RunE: runProjectsAlias,
}

func init() {
	discoverCmd.Flags().IntVar(&discoverDepth, "depth", 0, "How deep to scan a container directory (default scanDepth from settings)")

	projectsCmd.AddCommand(projectsListCmd, projectsStatusCmd, projectsAliasCmd)
	rootCmd.AddCommand(discoverCmd, projectsCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}

	depth := discoverDepth
	if depth == 0 {
		depth = config.DefaultScanDepth
		if s, err := config.LoadSettings(statePaths().Settings()); err == nil {
			depth = s.ScanDepth
		}
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var (
		found *projects.Discovery
		added []string
	)
	if daemonLive(ctx) {
		resp, err := daemonClient().Do(ctx, &protocol.DiscoverProjects{Path: absPath(root), Depth: depth})
		if err != nil {
			return err
		}
		found, added = resp.Discovery, resp.Added
	} else {
		var err error
		if found, added, err = discoverOffline(root, depth); err != nil {
			return err
		}
	}

	if flagJSON {
		return printJSON(struct {
			Discovery *projects.Discovery `json:"discovery"`
			Added     []string            `json:"added"`
		}{found, nonNil(added)})
	}
	printDiscovery(found, added)
	return nil
}

// discoverOffline scans root and merges into the index file directly.
func discoverOffline(root string, depth int) (*projects.Discovery, []string, error) {
	found, err := projects.Discover(absPath(root), depth)
	if err != nil {
		return nil, nil, err
	}
	paths := statePaths()
	if err := paths.EnsureHome(); err != nil {
		return nil, nil, err
	}
	idx, err := projects.Open(paths.Projects())
	if err != nil {
		return nil, nil, err
	}
	added, err := idx.Merge(found.Found)
	if err != nil {
		return nil, nil, err
	}
	return found, added, nil
}

func printDiscovery(d *projects.Discovery, added []string) {
	if d == nil {
		return
	}
	fmt.Printf("Scanned %s %s\n", style.Bold.Render(d.Root), style.Dim.Render("("+string(d.Kind)+")"))
	if len(d.Found) == 0 {
		fmt.Println(style.Dim.Render("  No repositories found."))
		return
	}
	isNew := make(map[string]bool, len(added))
	for _, name := range added {
		isNew[name] = true
	}
	for _, p := range d.Found {
		mark := style.Dim.Render("·")
		if isNew[p.Name] {
			mark = style.Success.Render("+")
		}
		fmt.Printf("  %s %-20s %s\n", mark, p.Name, style.Dim.Render(p.Path))
	}
	fmt.Printf("%s %d found, %d added\n", style.SuccessPrefix, len(d.Found), len(added))
}

// listProjects reads the index through the daemon when it is live.
func listProjects(cmd *cobra.Command) ([]projects.Project, error) {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	if daemonLive(ctx) {
		resp, err := daemonClient().Do(ctx, &protocol.ListProjects{})
		if err != nil {
			return nil, err
		}
		return resp.Projects, nil
	}
	idx, err := projects.Open(statePaths().Projects())
	if err != nil {
		return nil, err
	}
	return idx.List(), nil
}

func runProjectsList(cmd *cobra.Command, args []string) error {
	list, err := listProjects(cmd)
	if err != nil {
		return err
	}
	if flagJSON {
		if list == nil {
			list = []projects.Project{}
		}
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println(style.Dim.Render("No projects. Add some with 'conductor discover-projects <path>'."))
		return nil
	}
	tbl := style.NewTable(
		style.Column{Name: "PROJECT", Width: 20},
		style.Column{Name: "STATUS", Width: 8},
		style.Column{Name: "UPDATED", Width: 8, Align: style.AlignRight},
		style.Column{Name: "ALIASES", Width: 20},
		style.Column{Name: "PATH", Width: 40},
	)
	for _, p := range list {
		tbl.AddRow(p.Name, style.ProjectStatus(string(p.Status)),
			activity.FormatAge(time.Since(p.LastUpdated)),
			strings.Join(p.Aliases, ","), p.Path)
	}
	fmt.Print(tbl.Render())
	return nil
}

func runProjectsStatus(cmd *cobra.Command, args []string) error {
	status, err := projects.ParseStatus(args[1])
	if err != nil {
		return err
	}
	return editProject(cmd,
		&protocol.SetProjectStatus{Name: args[0], Status: string(status)},
		func(idx *projects.Index) (projects.Project, error) { return idx.SetStatus(args[0], status) },
		fmt.Sprintf("%s is now %s", args[0], status))
}

func runProjectsAlias(cmd *cobra.Command, args []string) error {
	return editProject(cmd,
		&protocol.AddAlias{Name: args[0], Alias: args[1]},
		func(idx *projects.Index) (projects.Project, error) { return idx.AddAlias(args[0], args[1]) },
		fmt.Sprintf("%s is also known as %s", args[0], args[1]))
}

// editProject sends req to a live daemon, or applies local to the index
// file when none is running.
func editProject(cmd *cobra.Command, req protocol.Request, local func(*projects.Index) (projects.Project, error), done string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var updated []projects.Project
	if daemonLive(ctx) {
		resp, err := daemonClient().Do(ctx, req)
		if err != nil {
			return err
		}
		updated = resp.Projects
	} else {
		idx, err := projects.Open(statePaths().Projects())
		if err != nil {
			return err
		}
		p, err := local(idx)
		if err != nil {
			return err
		}
		updated = []projects.Project{p}
	}

	if flagJSON {
		return printJSON(updated)
	}
	fmt.Printf("%s %s\n", style.SuccessPrefix, done)
	return nil
}

// absPath resolves p against the caller's directory, since the daemon's
// working directory differs.
func absPath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
