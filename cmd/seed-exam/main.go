package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-sat/internal/config"
	"github.com/stemsi/exstem-sat/internal/database"
	"github.com/stemsi/exstem-sat/internal/logger"
	"github.com/stemsi/exstem-sat/internal/model"
	"github.com/stemsi/exstem-sat/internal/repository"
	"github.com/stemsi/exstem-sat/internal/service"
)

type choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func main() {
	var (
		nisn      string
		name      string
		perModule int
		retakes   bool
	)
	flag.StringVar(&nisn, "nisn", "0000000001", "Student NISN to assign the exam to")
	flag.StringVar(&name, "name", "Demo Student", "Student name")
	flag.IntVar(&perModule, "questions", 4, "Questions per module")
	flag.BoolVar(&retakes, "retakes", true, "Allow retakes")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	studentRepo := repository.NewStudentRepository(pool)
	assignmentRepo := repository.NewAssignmentRepository(pool)
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	fmt.Println("=== Seeding demo adaptive SAT exam ===")

	content := demoExam(perModule, retakes)
	if err := examRepo.CreateContent(ctx, content); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	fmt.Printf("Created exam %q with ID: %s\n", content.Exam.Title, content.Exam.ID)

	student := &model.Student{NISN: nisn, Name: name}
	if err := studentRepo.Upsert(ctx, student); err != nil {
		log.Fatal().Err(err).Msg("Failed to upsert student")
	}
	fmt.Printf("Student %s (%s) has ID: %d\n", student.Name, student.NISN, student.ID)

	assignment, err := assignmentRepo.Create(ctx, content.Exam.ID, student.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assign exam")
	}
	fmt.Printf("Assignment ID: %s\n", assignment.ID)

	token, err := authService.GenerateStudentToken(student.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	fmt.Println("\n=== Take the exam ===")
	fmt.Printf("EXAM_TOKEN=%s go run ./cmd/take-exam -exam %s\n", token, content.Exam.ID)
}

// demoExam builds two sections, each a routing module followed by an easy
// and a hard adaptive variant.
func demoExam(perModule int, retakes bool) *model.ExamContent {
	section := func(order int, title string, minutes int) model.SectionContent {
		easy, hard := model.DifficultyEasy, model.DifficultyHard
		limit := minutes
		return model.SectionContent{
			ExamSection: model.ExamSection{Title: title, OrderNum: order},
			Modules: []model.ModuleContent{
				demoModule(title+" Module 1", 1, model.ModuleTypeRouting, nil, &limit, perModule),
				demoModule(title+" Module 2 (Easy)", 2, model.ModuleTypeAdaptive, &easy, &limit, perModule),
				demoModule(title+" Module 2 (Hard)", 2, model.ModuleTypeAdaptive, &hard, &limit, perModule),
			},
		}
	}

	return &model.ExamContent{
		Exam: model.Exam{
			Title:        "SAT Practice Test " + time.Now().Format("2006-01-02 15:04"),
			ExamType:     "SAT",
			IsAdaptive:   true,
			AllowRetakes: retakes,
			IsPublished:  true,
		},
		Sections: []model.SectionContent{
			section(1, "Reading and Writing", 32),
			section(2, "Math", 35),
		},
	}
}

func demoModule(title string, order int, kind model.ModuleType, d *model.Difficulty, limit *int, n int) model.ModuleContent {
	m := model.ModuleContent{
		ExamModule: model.ExamModule{
			Title:            title,
			OrderNum:         order,
			ModuleType:       kind,
			Difficulty:       d,
			TimeLimitMinutes: limit,
		},
	}

	keys := []string{"A", "B", "C", "D"}
	for i := 0; i < n; i++ {
		q := model.Question{Points: 1}
		if i == n-1 {
			q.QuestionType = model.QuestionTypeShortAnswer
			q.Prompt = fmt.Sprintf("%s: what is %d + %d?", title, i+2, order*10)
			q.CorrectAnswer = fmt.Sprint(i + 2 + order*10)
		} else {
			q.QuestionType = model.QuestionTypeMultipleChoice
			q.Prompt = fmt.Sprintf("%s: question %d", title, i+1)
			opts := make([]choice, len(keys))
			for k, key := range keys {
				opts[k] = choice{ID: key, Text: fmt.Sprintf("Option %s", key)}
			}
			q.Options, _ = json.Marshal(opts)
			q.CorrectAnswer = keys[i%len(keys)]
		}
		m.Questions = append(m.Questions, model.PlacedQuestion{OrderNum: i + 1, Question: q})
	}
	return m
}
