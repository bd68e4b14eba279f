// Package main provides the saga CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"saga/internal/branch"
	"saga/internal/cas"
	"saga/internal/config"
	"saga/internal/diagram"
	"saga/internal/graph"
	"saga/internal/merge"
	"saga/internal/store/sqlite"
	"saga/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "saga",
	Short: "Narrative version control for game entities across themes",
	Long:  `Saga tracks characters, items and campaign storylines as immutable version DAGs, applying per-entity-type growth rules when a theme changes, with branching, merging and full provenance.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a saga data directory",
	RunE:  runInit,
}

var createRootCmd = &cobra.Command{
	Use:   "root <entity-id>",
	Short: "Create an entity's root version and main branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateRoot,
}

var themeCmd = &cobra.Command{
	Use:   "theme <entity-id> <theme>",
	Short: "Create a themed variant of an entity",
	Args:  cobra.ExactArgs(2),
	RunE:  runTheme,
}

var commitCmd = &cobra.Command{
	Use:   "commit <entity-id>",
	Short: "Commit a content change on the entity's current theme",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommit,
}

var stateCmd = &cobra.Command{
	Use:   "state <entity-id>",
	Short: "Show an entity's current content",
	Args:  cobra.ExactArgs(1),
	RunE:  runState,
}

var chainCmd = &cobra.Command{
	Use:   "chain <node-hash>",
	Short: "Show the ancestry chain from root to a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runChain,
}

var linksCmd = &cobra.Command{
	Use:   "links <node-hash>",
	Short: "Show cross-entity relationships of a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runLinks,
}

var linkCmd = &cobra.Command{
	Use:   "link <source-hash> <target-hash>",
	Short: "Link two nodes across entities",
	Args:  cobra.ExactArgs(2),
	RunE:  runLink,
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Branch commands",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <scope-id> <name> <base-hash>",
	Short: "Create a branch at a base version",
	Args:  cobra.ExactArgs(3),
	RunE:  runBranchCreate,
}

var branchListCmd = &cobra.Command{
	Use:   "list <scope-id>",
	Short: "List branches of a scope",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchList,
}

var branchAdvanceCmd = &cobra.Command{
	Use:   "advance <scope-id> <name> <new-head-hash>",
	Short: "Advance a branch head to a stored version",
	Args:  cobra.ExactArgs(3),
	RunE:  runBranchAdvance,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <scope-id> <source-branch> <target-branch>",
	Short: "Merge one branch into another",
	Args:  cobra.ExactArgs(3),
	RunE:  runMerge,
}

var diagramCmd = &cobra.Command{
	Use:   "diagram <entity-id>",
	Short: "Render an entity's version DAG",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiagram,
}

var logCmd = &cobra.Command{
	Use:   "log <scope-id>",
	Short: "Show the state-transition audit log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List entities, optionally filtered by glob pattern",
	RunE:  runEntities,
}

var (
	flagContent string
	flagTheme   string
	flagPolicy  string
	flagBranch  string
	flagMessage string
	flagAuthor  string
	flagStrict  bool
	flagType    string
	flagEdge    string
	flagMatch   string
	flagLimit   int
)

func init() {
	createRootCmd.Flags().StringVar(&flagContent, "content", "", "content JSON (@file to read from file)")
	createRootCmd.Flags().StringVar(&flagTheme, "theme", "fantasy", "initial theme")
	themeCmd.Flags().StringVar(&flagContent, "content", "", "content JSON (@file to read from file)")
	themeCmd.Flags().StringVar(&flagPolicy, "policy", "", "branching policy override (cumulative|root_reset)")
	commitCmd.Flags().StringVar(&flagContent, "content", "", "content JSON (@file to read from file)")
	commitCmd.Flags().StringVarP(&flagMessage, "message", "m", "", "commit message")
	stateCmd.Flags().StringVar(&flagBranch, "branch", "", "read from a named branch instead of main")
	chainCmd.Flags().StringVar(&flagEdge, "edge", string(graph.EdgeParent), "edge type to follow")
	branchCreateCmd.Flags().StringVar(&flagType, "type", string(graph.BranchAlternate), "branch type")
	mergeCmd.Flags().StringVarP(&flagMessage, "message", "m", "", "merge message")
	mergeCmd.Flags().StringVar(&flagAuthor, "author", "", "merge author")
	mergeCmd.Flags().BoolVar(&flagStrict, "strict", false, "fail instead of landing a conflicted merge")
	entitiesCmd.Flags().StringVar(&flagMatch, "match", "", "doublestar glob over entity IDs")
	logCmd.Flags().IntVar(&flagLimit, "limit", 20, "max entries")

	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchAdvanceCmd)
	rootCmd.AddCommand(initCmd, createRootCmd, themeCmd, commitCmd, stateCmd,
		chainCmd, linksCmd, linkCmd, branchCmd, mergeCmd, diagramCmd, logCmd, entitiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env holds everything a command needs.
type env struct {
	cfg      *config.Config
	db       *sqlite.DB
	engine   *version.Engine
	branches *branch.Manager
	merger   *merge.Engine
}

func openEnv() (*env, error) {
	cfg := config.FromEnv()

	policies := graph.DefaultPolicyTable()
	if cfg.PolicyFile != "" {
		var err error
		policies, err = graph.LoadPolicyTable(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
	}

	db, err := sqlite.OpenDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:      cfg,
		db:       db,
		engine:   version.New(db, policies, cfg),
		branches: branch.NewManager(db, cfg),
		merger:   merge.NewEngine(db, cfg),
	}, nil
}

func (e *env) close() { e.db.Close() }

func parseContent(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, fmt.Errorf("--content is required")
	}
	if raw[0] == '@' {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("reading content file: %w", err)
		}
		raw = string(data)
	}
	var content map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil, fmt.Errorf("parsing content JSON: %w", err)
	}
	return content, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	fmt.Printf("initialized saga data directory at %s\n", e.cfg.DataDir)
	return nil
}

func runCreateRoot(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	content, err := parseContent(flagContent)
	if err != nil {
		return err
	}

	node, err := e.engine.CreateRoot(context.Background(), graph.EntityID(args[0]), flagTheme, content)
	if err != nil {
		return err
	}
	fmt.Printf("created root %s for %s (theme %s)\n", cas.ShortHex(node.Hash), node.EntityID, node.Theme)
	return nil
}

func runTheme(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	entityID := graph.EntityID(args[0])
	content, err := parseContent(flagContent)
	if err != nil {
		return err
	}

	policy := e.engine.Policies().ForEntity(entityID)
	if flagPolicy != "" {
		policy = graph.BranchingPolicy(flagPolicy)
		if policy != graph.PolicyCumulative && policy != graph.PolicyRootReset {
			return fmt.Errorf("unknown policy %q", flagPolicy)
		}
	}

	node, err := e.engine.CreateThemedVariant(context.Background(), entityID, args[1], content, policy)
	if err != nil {
		return err
	}
	fmt.Printf("created %s variant %s for %s (policy %s)\n", node.Theme, cas.ShortHex(node.Hash), node.EntityID, policy)
	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	content, err := parseContent(flagContent)
	if err != nil {
		return err
	}

	node, err := e.engine.CommitChanges(context.Background(), graph.EntityID(args[0]), content, flagMessage)
	if err != nil {
		return err
	}
	fmt.Printf("committed %s on %s\n", cas.ShortHex(node.Hash), node.EntityID)
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	content, err := e.engine.GetEntityState(context.Background(), graph.EntityID(args[0]), flagBranch)
	if err != nil {
		return err
	}
	return printJSON(content)
}

func runChain(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	hash, err := cas.HexToBytes(args[0])
	if err != nil {
		return fmt.Errorf("invalid node hash: %w", err)
	}

	chain, err := e.engine.GetNodeChain(context.Background(), hash, graph.EdgeType(flagEdge))
	if err != nil {
		return err
	}
	for i, node := range chain {
		fmt.Printf("%d  %s  %s  theme=%s\n", i, cas.ShortHex(node.Hash), node.Type, node.Theme)
	}
	return nil
}

func runLinks(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	hash, err := cas.HexToBytes(args[0])
	if err != nil {
		return fmt.Errorf("invalid node hash: %w", err)
	}

	rels, err := e.engine.GetNodeRelationships(context.Background(), hash)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.Node != nil {
			fmt.Printf("%s -> %s (%s)\n", cas.ShortHex(rel.Edge.Source), cas.ShortHex(rel.Edge.Target), rel.Node.EntityID)
		} else {
			fmt.Printf("%s -> %s\n", cas.ShortHex(rel.Edge.Source), cas.ShortHex(rel.Edge.Target))
		}
	}
	return nil
}

func runLink(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	src, err := cas.HexToBytes(args[0])
	if err != nil {
		return fmt.Errorf("invalid source hash: %w", err)
	}
	dst, err := cas.HexToBytes(args[1])
	if err != nil {
		return fmt.Errorf("invalid target hash: %w", err)
	}

	edge, err := e.engine.LinkEntities(context.Background(), src, dst, nil)
	if err != nil {
		return err
	}
	fmt.Printf("linked %s -> %s\n", cas.ShortHex(edge.Source), cas.ShortHex(edge.Target))
	return nil
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	base, err := cas.HexToBytes(args[2])
	if err != nil {
		return fmt.Errorf("invalid base hash: %w", err)
	}

	b, err := e.branches.CreateBranch(context.Background(), graph.EntityID(args[0]), args[1], base, "", graph.BranchType(flagType))
	if err != nil {
		return err
	}
	fmt.Printf("created branch %s (%s) at %s\n", b.Name, b.Type, cas.ShortHex(b.HeadHash))
	return nil
}

func runBranchList(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	branches, err := e.branches.ListBranches(context.Background(), graph.EntityID(args[0]))
	if err != nil {
		return err
	}
	for _, b := range branches {
		fmt.Printf("%-20s %-14s %s\n", b.Name, b.Type, cas.ShortHex(b.HeadHash))
	}
	return nil
}

func runBranchAdvance(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	ctx := context.Background()
	b, err := e.branches.GetBranchByName(ctx, graph.EntityID(args[0]), args[1])
	if err != nil {
		return err
	}
	newHead, err := cas.HexToBytes(args[2])
	if err != nil {
		return fmt.Errorf("invalid head hash: %w", err)
	}

	ok, err := e.branches.AdvanceBranch(ctx, b.ID, b.HeadHash, newHead)
	if err != nil {
		return err
	}
	if !ok {
		return &graph.ConcurrentModificationError{BranchID: b.ID}
	}
	fmt.Printf("advanced %s to %s\n", b.Name, cas.ShortHex(newHead))
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	ctx := context.Background()
	scope := graph.EntityID(args[0])
	source, err := e.branches.GetBranchByName(ctx, scope, args[1])
	if err != nil {
		return err
	}
	target, err := e.branches.GetBranchByName(ctx, scope, args[2])
	if err != nil {
		return err
	}

	result, err := e.merger.MergeBranch(ctx, source.ID, target.ID, merge.Options{
		Author:               flagAuthor,
		Message:              flagMessage,
		AllowConflictedMerge: !flagStrict && e.cfg.AllowConflictedMerge,
	})
	if err != nil {
		return err
	}

	switch {
	case result.AlreadyMerged:
		fmt.Println("already merged; nothing to do")
	case result.FastForward:
		fmt.Printf("fast-forwarded %s to %s\n", target.Name, cas.ShortHex(result.HeadHash))
	default:
		fmt.Printf("merged %s into %s at %s\n", source.Name, target.Name, cas.ShortHex(result.HeadHash))
	}
	for _, c := range result.Conflicts {
		fmt.Printf("conflict: %s\n", c)
	}
	return nil
}

func runDiagram(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	out, err := diagram.Generate(context.Background(), e.db, graph.EntityID(args[0]), e.engine.MaxDepth())
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	entries, err := e.engine.History(context.Background(), graph.EntityID(args[0]), flagLimit)
	if err != nil {
		return err
	}
	for _, t := range entries {
		from := t.FromState
		if from == "" {
			from = "-"
		}
		fmt.Printf("%s  %-18s %s -> %s  %s\n", cas.ShortHex(t.VersionHash), t.Type, from, t.ToState, t.Reason)
	}
	return nil
}

func runEntities(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	ids, err := e.engine.ListEntities(context.Background(), flagMatch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
