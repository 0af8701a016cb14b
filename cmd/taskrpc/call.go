package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voocel/taskrpc/client"
	"github.com/voocel/taskrpc/protocol"
)

type callFlags struct {
	duration   int
	script     string
	uploadFile string
}

func newCallCmd(f *rootFlags) *cobra.Command {
	var cf callFlags

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a tool, running it as a background task when the tool requires one",
		Example: `  taskrpc call hello_name
  taskrpc call slow_task --duration 5
  taskrpc call receive_file --upload-file ./notes.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			return runCall(ctx, cmd, f, &cf, args[0])
		},
	}

	cmd.Flags().IntVar(&cf.duration, "duration", 0, "duration argument, in seconds")
	cmd.Flags().StringVar(&cf.script, "script", "", "script argument")
	cmd.Flags().StringVar(&cf.uploadFile, "upload-file", "", "local file to send as an embedded resource")

	return cmd
}

func runCall(ctx context.Context, cmd *cobra.Command, f *rootFlags, cf *callFlags, toolName string) error {
	arguments, err := cf.arguments()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	opts := &client.ClientOptions{
		ElicitationHandler: promptElicitation(cmd.InOrStdin(), out),
		ProgressHandler: func(_ context.Context, p *protocol.ProgressNotificationParams) {
			if p.Total > 0 {
				dim.Fprintf(out, "progress: %.0f/%.0f %s\n", p.Progress, p.Total, p.Message)
			} else {
				dim.Fprintf(out, "progress: %.0f %s\n", p.Progress, p.Message)
			}
		},
	}

	cs, err := f.connect(ctx, opts)
	if err != nil {
		return err
	}
	defer cs.Close()

	mode := protocol.TaskSupportNone
	if tools, err := cs.ListTools(ctx, nil); err == nil {
		for _, tool := range tools.Tools {
			if tool.Name == toolName {
				mode = tool.Mode()
				break
			}
		}
	}

	var result *protocol.CallToolResult
	if mode == protocol.TaskSupportNone {
		result, err = cs.CallTool(ctx, toolName, arguments)
	} else {
		result, err = callAsTask(ctx, cs, toolName, arguments, out)
	}
	if err != nil {
		return err
	}
	return printResult(out, toolName, result)
}

func callAsTask(ctx context.Context, cs *client.ClientSession, toolName string, arguments map[string]any, out io.Writer) (*protocol.CallToolResult, error) {
	handle, err := cs.CallToolAsTask(ctx, toolName, arguments, nil)
	if err != nil {
		return nil, err
	}
	if !handle.ReturnedImmediately() {
		dim.Fprintf(out, "task %s started\n", handle.ID())
	}
	return handle.Result(ctx)
}

// arguments builds the tool arguments from the value flags that were set.
func (cf *callFlags) arguments() (map[string]any, error) {
	arguments := map[string]any{}
	if cf.duration > 0 {
		arguments["duration"] = cf.duration
	}
	if cf.script != "" {
		arguments["script"] = cf.script
	}
	if cf.uploadFile != "" {
		content, err := uploadContent(cf.uploadFile)
		if err != nil {
			return nil, err
		}
		arguments["uploaded_file"] = content
	}
	if len(arguments) == 0 {
		return nil, nil
	}
	return arguments, nil
}

// uploadContent reads a local file into an embedded resource content block.
func uploadContent(path string) (protocol.EmbeddedResourceContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.EmbeddedResourceContent{}, fmt.Errorf("reading upload file: %w", err)
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return protocol.NewEmbeddedResourceContent(protocol.ResourceContents{
		URI:      "file:///" + name,
		Name:     name,
		MimeType: mimeType,
		Blob:     base64.StdEncoding.EncodeToString(data),
	}), nil
}

func printResult(out io.Writer, toolName string, result *protocol.CallToolResult) error {
	if text := result.Text(); text != "" {
		if result.IsError {
			failure.Fprintln(out, text)
		} else {
			success.Fprintln(out, text)
		}
	}
	if result.StructuredContent != nil {
		encoded, err := json.MarshalIndent(result.StructuredContent, "", "  ")
		if err == nil {
			fmt.Fprintln(out, string(encoded))
		}
	}
	if result.IsError {
		return fmt.Errorf("tool %s reported an error", toolName)
	}
	return nil
}

// promptElicitation answers server elicitation requests interactively.
// The user picks accept, decline, or cancel; on accept, values for the
// requested schema properties are read one per line.
func promptElicitation(in io.Reader, out io.Writer) func(context.Context, *protocol.ElicitationCreateParams) (*protocol.ElicitationResult, error) {
	reader := bufio.NewReader(in)

	return func(_ context.Context, params *protocol.ElicitationCreateParams) (*protocol.ElicitationResult, error) {
		headline.Fprintln(out, params.Message)

		fmt.Fprint(out, "[a]ccept / [d]ecline / [c]ancel: ")
		choice, err := readLine(reader)
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(choice) {
		case "a", "accept":
		case "d", "decline":
			return protocol.NewElicitationDecline(), nil
		default:
			return protocol.NewElicitationCancel(), nil
		}

		content := map[string]any{}
		for _, prop := range protocol.SchemaProperties(params.RequestedSchema) {
			fmt.Fprintf(out, "%s: ", prop)
			value, err := readLine(reader)
			if err != nil {
				return nil, err
			}
			content[prop] = value
		}
		if len(content) == 0 {
			return protocol.NewElicitationAccept(nil), nil
		}
		return client.Accept(content, params)
	}
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return strings.TrimSpace(line), nil
}
