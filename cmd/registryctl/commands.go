package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-registry/pkg/client"
	"github.com/tendant/simple-registry/pkg/registry/api"
	"github.com/tendant/simple-registry/pkg/registry/auth"
	"github.com/tendant/simple-registry/pkg/tarball"
)

func newLoginCmd(root *rootOptions) *cobra.Command {
	var token, email, githubAPI string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access token and the email it belongs to",
		Long: "Store an access token. Without --token the GitHub login URL is printed and the token " +
			"shown in the browser is read from stdin. Without --email the primary verified email " +
			"is looked up with the GitHub API.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := root.serverURL(nil)
			if token == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Open %s/login in your browser and paste the token here: ", server)
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return errors.New("token is required")
			}

			if email == "" {
				resolver := auth.NewGitHubResolver(auth.WithGitHubAPIURL(githubAPI), auth.WithGitHubCacheTTL(0))
				found, err := resolver.Lookup(cmd.Context(), token)
				if err != nil {
					return fmt.Errorf("authentication failed, the token might be invalid or expired: %w", err)
				}
				email = found
			}

			path, err := saveCredentials(&credentials{Token: token, Email: email, Server: root.server})
			if err != nil {
				return fmt.Errorf("failed to save credentials: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (credentials in %s)\n", email, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token (GitHub token or registry JWT)")
	cmd.Flags().StringVar(&email, "email", "", "principal email; looked up on GitHub when empty")
	cmd.Flags().StringVar(&githubAPI, "github-api", auth.DefaultGitHubAPIURL, "GitHub API base URL")
	return cmd
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored email address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := loadCredentials()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored email: %s\n", creds.Email)
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token and email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := removeCredentials(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out; credentials removed.")
			return nil
		},
	}
}

func newProjectsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Create and inspect projects",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.newClient()
			if err != nil {
				return err
			}
			p, err := c.CreateProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created project %q (ID: %s)\n", p.Name, p.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.newClient()
			if err != nil {
				return err
			}
			projects, err := c.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVERSIONS\tLATEST")
			for _, p := range projects {
				latest := "-"
				if n := len(p.Versions); n > 0 {
					latest = "v" + strconv.Itoa(p.Versions[n-1].Version)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, p.Name, len(p.Versions), latest)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get PROJECT_ID",
		Short: "Show a project and its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.newClient()
			if err != nil {
				return err
			}
			p, err := c.GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printProject(cmd.OutOrStdout(), p)
			return nil
		},
	})

	return cmd
}

func printProject(w io.Writer, p *api.ProjectResponse) {
	fmt.Fprintf(w, "%s (ID: %s, created %s)\n", p.Name, p.ID, p.CreatedAt.Format(time.RFC3339))
	if len(p.Versions) == 0 {
		fmt.Fprintln(w, "No versions uploaded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tFILE\tSIZE\tLANGUAGE\tDOCKERFILE\tUPLOADED")
	for _, v := range p.Versions {
		fmt.Fprintf(tw, "v%d\t%s\t%d\t%s\t%t\t%s\n",
			v.Version, v.FileName, v.Size, v.Language, v.HasDockerfile, v.UploadedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

type pushOptions struct {
	projectID   string
	name        string
	create      bool
	currentPath string
	language    string
	dockerfile  string
	env         []string
	excludes    []string
	fileName    string
}

func newPushCmd(root *rootOptions) *cobra.Command {
	opts := &pushOptions{}
	cmd := &cobra.Command{
		Use:   "push [DIR]",
		Short: "Pack a directory and upload it as a new version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runPush(cmd, root, opts, dir)
		},
	}
	cmd.Flags().StringVar(&opts.projectID, "project", "", "project ID")
	cmd.Flags().StringVar(&opts.name, "name", "", "project name, used when --project is empty")
	cmd.Flags().BoolVar(&opts.create, "create", false, "create the project named by --name when missing")
	cmd.Flags().StringVar(&opts.currentPath, "current-path", ".", "entry path inside the artifact")
	cmd.Flags().StringVar(&opts.language, "language", "", "language tag; detected when empty")
	cmd.Flags().StringVar(&opts.dockerfile, "dockerfile", "auto", "whether the artifact has a Dockerfile: auto, true or false")
	cmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&opts.excludes, "exclude", nil, "extra gitignore-style pattern to skip (repeatable)")
	cmd.Flags().StringVar(&opts.fileName, "filename", "", "artifact filename; defaults to <dir>.tar.gz")
	return cmd
}

func runPush(cmd *cobra.Command, root *rootOptions, opts *pushOptions, dir string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	envVars, err := parseEnvFlags(opts.env)
	if err != nil {
		return err
	}
	hasDockerfile, err := resolveDockerfile(opts.dockerfile, dir)
	if err != nil {
		return err
	}
	language := opts.language
	if language == "" {
		language = tarball.DetectLanguage(dir)
	}

	c, err := root.newClient()
	if err != nil {
		return err
	}

	projectID := opts.projectID
	if projectID == "" {
		if opts.name == "" {
			return errors.New("either --project or --name is required")
		}
		projectID, err = findProject(cmd, c, opts.name, opts.create)
		if err != nil {
			return err
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	summary, err := tarball.Pack(ctx, abs, &buf, tarball.WithExcludes(opts.excludes...))
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", dir, err)
	}
	fmt.Fprintf(out, "Packed %d files (%d bytes, %d compressed)\n", summary.Files, summary.Bytes, buf.Len())

	fileName := opts.fileName
	if fileName == "" {
		fileName = filepath.Base(abs) + ".tar.gz"
	}
	up, err := c.Upload(ctx, projectID, client.UploadRequest{
		FileName:      fileName,
		Artifact:      buf.Bytes(),
		EntryPath:     opts.currentPath,
		Language:      language,
		HasDockerfile: hasDockerfile,
		EnvVars:       envVars,
	})
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	fmt.Fprintf(out, "Uploaded %s version %d\n", up.ProjectName, up.Version)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "blob path\t%s\n", up.BlobPath)
	fmt.Fprintf(tw, "size\t%d\n", up.Size)
	fmt.Fprintf(tw, "language\t%s\n", up.Language)
	fmt.Fprintf(tw, "dockerfile\t%t\n", up.HasDockerfile)
	fmt.Fprintf(tw, "checksum\t%s\n", up.Checksum)
	return tw.Flush()
}

func findProject(cmd *cobra.Command, c *client.Client, name string, create bool) (string, error) {
	projects, err := c.ListProjects(cmd.Context())
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Name == name {
			return p.ID, nil
		}
	}
	if !create {
		return "", fmt.Errorf("no project named %q, pass --create to create it", name)
	}
	p, err := c.CreateProject(cmd.Context(), name)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created project %q (ID: %s)\n", p.Name, p.ID)
	return p.ID, nil
}

func parseEnvFlags(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func resolveDockerfile(flag, dir string) (bool, error) {
	if flag == "" || flag == "auto" {
		return tarball.HasDockerfile(dir), nil
	}
	v, err := strconv.ParseBool(flag)
	if err != nil {
		return false, fmt.Errorf("invalid --dockerfile %q: use auto, true or false", flag)
	}
	return v, nil
}

func newDownloadCmd(root *rootOptions) *cobra.Command {
	var output, extract string
	cmd := &cobra.Command{
		Use:   "download PROJECT_ID VERSION",
		Short: "Download a version and verify its checksum",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 1 {
				return fmt.Errorf("invalid version %q", args[1])
			}
			c, err := root.newClient()
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			info, err := c.Download(cmd.Context(), args[0], version, &buf)
			if err != nil {
				return err
			}

			if extract != "" {
				if err := tarball.Extract(bytes.NewReader(buf.Bytes()), extract); err != nil {
					return fmt.Errorf("failed to extract: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Extracted version %d into %s\n", info.Version, extract)
				return nil
			}

			if output == "" {
				output = info.FileName
				if output == "" {
					output = fmt.Sprintf("%s-v%d.tar.gz", args[0], info.Version)
				}
			}
			if err := writeFileAtomic(output, buf.Bytes()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved version %d to %s (%d bytes, checksum verified)\n", info.Version, output, info.Size)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file; defaults to the uploaded filename")
	cmd.Flags().StringVar(&extract, "extract", "", "unpack into this directory instead of saving the archive")
	return cmd
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
