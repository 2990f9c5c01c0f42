package catalog

import "github.com/kiranshivaraju/relaize/pkg/models"

// DefaultPipelineID is used whenever a requested pipeline is unknown.
const DefaultPipelineID = "superres_basic"

var builtinModels = []models.ModelSpec{
	{
		ID:            "RealESRGAN_RealESRGAN_x4plus_4x",
		Name:          "RealESRGAN 4x",
		Kind:          models.ModelKindSuperRes,
		Description:   "General purpose photographic 4x super-resolution, the default restoration base.",
		Repo:          "https://github.com/xinntao/Real-ESRGAN",
		Tags:          []string{"superres", "final2x", "photo"},
		DefaultDevice: "cuda",
		WeightHint:    "final2x/RealESRGAN_x4plus.pth",
	},
	{
		ID:            "HAT_Real_GAN_4x",
		Name:          "HAT Real 4x",
		Kind:          models.ModelKindSuperRes,
		Description:   "HAT real-world model with better handling of night scenes and low-light noise.",
		Repo:          "https://github.com/XPixelGroup/HAT",
		Tags:          []string{"superres", "lowlight", "final2x"},
		DefaultDevice: "cuda",
	},
	{
		ID:            "SwinIR_realSR_BSRGAN_DFOWMFC_s64w8_SwinIR_L_GAN_4x",
		Name:          "SwinIR Real 4x",
		Kind:          models.ModelKindSuperRes,
		Description:   "SwinIR BSRGAN variant suited to haze removal and landscapes.",
		Repo:          "https://github.com/JingyunLiang/SwinIR",
		Tags:          []string{"superres", "dehaze"},
		DefaultDevice: "cuda",
	},
	{
		ID:            "DAT_light_2x",
		Name:          "DAT Light 2x",
		Kind:          models.ModelKindSuperRes,
		Description:   "Lightweight 2x model for quick previews and small devices.",
		Repo:          "https://github.com/baidu-research/NJUDat",
		Tags:          []string{"superres", "lightweight"},
		DefaultDevice: "cpu",
	},
	{
		ID:            "RealCUGAN_Conservative_2x",
		Name:          "RealCUGAN 2x",
		Kind:          models.ModelKindSuperRes,
		Description:   "RealCUGAN model tuned for anime and illustration.",
		Repo:          "https://github.com/bilibili/ailab",
		Tags:          []string{"anime", "superres"},
		DefaultDevice: "cuda",
	},
	{
		ID:            "GFPGAN_v1.4",
		Name:          "GFPGAN v1.4",
		Kind:          models.ModelKindFace,
		Description:   "Face restoration model that can be chained with Real-ESRGAN.",
		Repo:          "https://github.com/TencentARC/GFPGAN",
		Tags:          []string{"face", "restore"},
		DefaultDevice: "cuda",
		WeightHint:    "weights/GFPGANv1.4.pth",
	},
	{
		ID:             "PromptFix_diffusion",
		Name:           "PromptFix",
		Kind:           models.ModelKindPrompt,
		Description:    "Instruction driven diffusion repair with natural language prompt and optional mask.",
		Repo:           "https://github.com/yeates/PromptFix",
		Tags:           []string{"diffusion", "prompt", "inpaint"},
		DefaultDevice:  "cuda",
		SupportsPrompt: true,
		SupportsMask:   true,
	},
	{
		ID:            "IOPaint_lama",
		Name:          "IOPaint (LaMa)",
		Kind:          models.ModelKindMaskInpaint,
		Description:   "LaMa mask inpainting for removing objects and watermarks.",
		Repo:          "https://github.com/Sanster/IOPaint",
		Tags:          []string{"inpaint", "lama"},
		DefaultDevice: "cuda",
		SupportsMask:  true,
	},
	{
		ID:            "CTSDG_iccv2021",
		Name:          "CTSDG",
		Kind:          models.ModelKindStructure,
		Description:   "Structure and texture dual generator for large missing regions.",
		Repo:          "https://github.com/Xiefan-Guo/CTSDG",
		Tags:          []string{"structure", "inpaint"},
		DefaultDevice: "cuda",
	},
	{
		ID:            "ShiftNet_pytorch",
		Name:          "Shift-Net",
		Kind:          models.ModelKindStructure,
		Description:   "Deep feature rearrangement inpainting for texture completion.",
		Repo:          "https://github.com/Zhaoyi-Yan/Shift-Net_pytorch",
		Tags:          []string{"texture", "inpaint"},
		DefaultDevice: "cuda",
	},
	{
		ID:            "CRFill_iccv2021",
		Name:          "CR-Fill",
		Kind:          models.ModelKindStructure,
		Description:   "Contextual reconstruction model for large scene repair.",
		Repo:          "https://github.com/zengxianyu/crfill",
		Tags:          []string{"inpaint", "context"},
		DefaultDevice: "cuda",
	},
}

var builtinPipelines = []models.PipelineSpec{
	{
		ID:          DefaultPipelineID,
		Name:        "Basic super-resolution",
		Description: "Runs a single super-resolution model.",
		Tags:        []string{"default", "superres"},
		Stages: []models.StageSpec{
			{
				ID:          "superres",
				Name:        "Final2x",
				ModelID:     "RealESRGAN_RealESRGAN_x4plus_4x",
				Description: "Real-ESRGAN by default, overridable per task.",
				Defaults:    map[string]any{"scale": 4},
			},
		},
		RecommendedPresets: []string{"night", "haze", "daily"},
	},
	{
		ID:          "old_photo_restore",
		Name:        "Old photo restoration",
		Description: "GFPGAN followed by super-resolution, for aged portraits.",
		Tags:        []string{"face", "old-photo"},
		Stages: []models.StageSpec{
			{
				ID:          "face",
				Name:        "GFPGAN",
				ModelID:     "GFPGAN_v1.4",
				Description: "Restore facial structure first.",
			},
			{
				ID:          "superres",
				Name:        "RealESRGAN",
				ModelID:     "RealESRGAN_RealESRGAN_x4plus_4x",
				Description: "Upscale and sharpen the result.",
				Defaults:    map[string]any{"scale": 4},
			},
		},
		RecommendedPresets: []string{"vintage"},
	},
	{
		ID:          "prompt_inpaint",
		Name:        "Prompt inpainting",
		Description: "PromptFix diffusion guided by text and an optional mask.",
		Tags:        []string{"prompt", "diffusion", "inpaint"},
		Stages: []models.StageSpec{
			{
				ID:          "prompt",
				Name:        "PromptFix",
				ModelID:     "PromptFix_diffusion",
				Description: "Generate the repaired region from the prompt and mask.",
				Defaults:    map[string]any{"guidance_scale": 7.5},
			},
		},
		SupportsPrompt: true,
		SupportsMask:   true,
	},
	{
		ID:          "mask_inpaint",
		Name:        "Mask inpainting",
		Description: "IOPaint (LaMa) mask editing for object removal.",
		Tags:        []string{"lama", "mask"},
		Stages: []models.StageSpec{
			{
				ID:          "mask",
				Name:        "IOPaint",
				ModelID:     "IOPaint_lama",
				Description: "Remove or fill content under the mask.",
			},
		},
		SupportsMask: true,
	},
	{
		ID:          "structure_fill",
		Name:        "Structure completion",
		Description: "CTSDG, Shift-Net and CR-Fill working on structure and texture.",
		Tags:        []string{"structure", "inpaint"},
		Stages: []models.StageSpec{
			{
				ID:          "structure",
				Name:        "CTSDG",
				ModelID:     "CTSDG_iccv2021",
				Description: "Recover the outline of missing regions.",
			},
			{
				ID:          "texture",
				Name:        "Shift-Net",
				ModelID:     "ShiftNet_pytorch",
				Description: "Fill in high frequency texture.",
				Optional:    true,
			},
			{
				ID:          "context",
				Name:        "CR-Fill",
				ModelID:     "CRFill_iccv2021",
				Description: "Blend details using surrounding context.",
				Optional:    true,
			},
		},
		SupportsMask: true,
	},
}

var builtinPresets = map[string]string{
	"night":   "HAT_Real_GAN_4x",
	"haze":    "SwinIR_realSR_BSRGAN_DFOWMFC_s64w8_SwinIR_L_GAN_4x",
	"vintage": "RealESRGAN_RealESRGAN_x4plus_4x",
	"daily":   "DAT_light_2x",
}
