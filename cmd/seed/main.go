package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"opdflow/internal/config"
	"opdflow/internal/store"
	"opdflow/internal/store/postgres"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

type department struct {
	code string
	name string
}

var departments = []department{
	{"general", "General OPD"},
	{"retina", "Retina"},
	{"cornea", "Cornea"},
	{"glaucoma", "Glaucoma"},
	{"pediatric", "Pediatric Ophthalmology"},
}

type staffUser struct {
	username string
	password string
	role     string
}

var staff = []staffUser{
	{"frontdesk", "frontdesk123", "registration"},
	{"nurse1", "nurse123", "nursing"},
	{"nurse2", "nurse123", "nursing"},
	{"admin", "admin123", "admin"},
}

func main() {
	patientCount := flag.Int("patients", 20, "number of fake patients to register")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "seed").Logger()
	cfg := config.Load()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := seedDepartments(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("seed departments failed")
	}
	if err := seedStaff(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("seed staff failed")
	}

	st := postgres.NewStore(pool, postgres.Options{})
	registered, err := seedPatients(ctx, st, *patientCount)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed patients failed")
	}
	logger.Info().Int("patients", registered).Msg("seed complete")
}

func seedDepartments(ctx context.Context, pool *pgxpool.Pool) error {
	for _, dept := range departments {
		_, err := pool.Exec(ctx, `
			INSERT INTO departments (code, name, active)
			VALUES ($1, $2, TRUE)
			ON CONFLICT (code) DO UPDATE SET name = $2, active = TRUE
		`, dept.code, dept.name)
		if err != nil {
			return fmt.Errorf("department %s: %w", dept.code, err)
		}
	}
	return nil
}

func seedStaff(ctx context.Context, pool *pgxpool.Pool) error {
	for _, user := range staff {
		hash, err := bcrypt.GenerateFromPassword([]byte(user.password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO staff_users (user_id, username, password_hash, role, active)
			VALUES ($1, $2, $3, $4, TRUE)
			ON CONFLICT (username) DO UPDATE SET role = $4, active = TRUE
		`, uuid.NewString(), user.username, string(hash), user.role)
		if err != nil {
			return fmt.Errorf("staff %s: %w", user.username, err)
		}
	}
	return nil
}

// seedPatients registers fake walk-ins through the store itself so tokens,
// flow events, and queue positions come out the same way production writes do.
func seedPatients(ctx context.Context, st *postgres.Store, count int) (int, error) {
	registered := 0
	for i := 0; i < count; i++ {
		patient, _, err := st.RegisterPatient(ctx, store.RegisterPatientInput{
			RequestID: uuid.NewString(),
			Name:      gofakeit.Name(),
			Age:       gofakeit.Number(1, 90),
			Phone:     gofakeit.Numerify("98########"),
		})
		if err != nil {
			return registered, err
		}
		registered++

		// allocate most of them so the queues have something to show
		if gofakeit.Bool() || i%2 == 0 {
			dept := departments[gofakeit.Number(0, len(departments)-1)].code
			if _, _, err := st.AllocatePatient(ctx, store.AllocateInput{
				RequestID:  uuid.NewString(),
				PatientID:  patient.PatientID,
				Department: dept,
			}); err != nil {
				return registered, err
			}
		}
	}
	return registered, nil
}
