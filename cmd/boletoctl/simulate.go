package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tecmax-dev/sisvida-sub021/internal/app"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"github.com/tecmax-dev/sisvida-sub021/internal/config"
	"github.com/tecmax-dev/sisvida-sub021/internal/conversation"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"github.com/tecmax-dev/sisvida-sub021/internal/whatsapp"
)

// stdoutSender prints replies instead of calling the gateway.
type stdoutSender struct {
	w io.Writer
}

func (s stdoutSender) SendText(_ context.Context, _ string, text string) error {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(s.w, "bot> %s\n", line)
	}
	return nil
}

func (s stdoutSender) SendDocument(_ context.Context, _ string, doc whatsapp.Document) error {
	fmt.Fprintf(s.w, "bot> [documento %s, %d bytes]\n", doc.FileName, len(doc.Data))
	return nil
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Conversa pelo terminal: cada linha do stdin vira uma mensagem",
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, _ := cmd.Flags().GetString("instance")
			phone, _ := cmd.Flags().GetString("phone")
			memory, _ := cmd.Flags().GetBool("memory")
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			newSender := func(whatsapp.Config) conversation.Sender { return stdoutSender{w: out} }

			var orch *conversation.Orchestrator
			if memory {
				orch = memoryOrchestrator(instance, newSender)
			} else {
				cfg, db, err := openDB(ctx)
				if err != nil {
					return err
				}
				defer closeDB(db)
				svc, err := app.NewService(cfg, db, func(o *conversation.Options) {
					o.NewSender = newSender
				})
				if err != nil {
					return err
				}
				defer svc.Close()
				orch = svc.Orchestrator
			}
			return runSimulation(ctx, orch, cmd.InOrStdin(), out, instance, phone)
		},
	}
	cmd.Flags().String("instance", "sindicato-a", "Evolution instance name")
	cmd.Flags().String("phone", "5511999990000", "Sender phone number")
	cmd.Flags().Bool("memory", false, "Use an in-memory store with demo data instead of DATABASE_URL")
	return cmd
}

var simSeq atomic.Int64

func runSimulation(ctx context.Context, orch *conversation.Orchestrator, in io.Reader, out io.Writer, instance, phone string) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		msg := whatsapp.Inbound{
			Instance:  instance,
			Phone:     phone,
			MessageID: fmt.Sprintf("sim-%d-%d", time.Now().UnixNano(), simSeq.Add(1)),
			Text:      text,
			Timestamp: time.Now(),
		}
		res, err := orch.HandleMessage(ctx, msg)
		if err != nil {
			fmt.Fprintf(out, "erro: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "[%s]\n", res.State)
	}
	return sc.Err()
}

// memoryOrchestrator serves one demo clinic from memory under instance.
func memoryOrchestrator(instance string, newSender func(whatsapp.Config) conversation.Sender) *conversation.Orchestrator {
	mem := repo.NewMemory()
	clinicID := uuid.New()
	emp := mem.AddEmployer(clinicID, "12345678000199", "Metalúrgica Alfa Ltda")
	typ := mem.AddContributionType(clinicID, "Contribuição Assistencial", 10)
	mem.AddContributionType(clinicID, "Mensalidade Sindical", 5)
	due := time.Now().UTC().AddDate(0, -1, 0)
	mem.AddContribution(clinicID, emp.ID, typ, boleto.Competence{Month: int(due.AddDate(0, -1, 0).Month()), Year: due.AddDate(0, -1, 0).Year()},
		35000, due, repo.StatusOverdue)

	cfg := config.Load()
	return conversation.New(conversation.Options{
		Engine:     boleto.NewEngine(cfg.MaxRetries, cfg.SessionTTL, cfg.Location()),
		UnitOfWork: mem,
		Tenants: conversation.NewStaticDirectory([]config.Instance{
			{Name: instance, ClinicID: clinicID, ClinicName: "Sindicato (simulação)", APIURL: "stdout", APIKey: "-"},
		}),
		NewSender: newSender,
		AttachPDF: cfg.AttachPDF,
	})
}
